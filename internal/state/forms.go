package state

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/tyemirov/authsession/internal/autherr"
)

var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	digitPattern   = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]`)
	namePattern    = regexp.MustCompile(`^[a-zA-Z\s'-]+$`)
	codePattern    = regexp.MustCompile(`^[0-9]{6}$`)
)

const minimumPasswordLength = 8

// SignupForm is the sign-up form.
type SignupForm struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Validate checks the form before any network call.
func (form SignupForm) Validate() error {
	return firstFieldError(validation.ValidateStruct(&form,
		validation.Field(&form.Name, nameRules()...),
		validation.Field(&form.Email, emailRules()...),
		validation.Field(&form.Password, passwordRules()...),
		validation.Field(&form.ConfirmPassword, confirmRules(form.Password)...),
	), "name", "email", "password", "confirmPassword")
}

// SigninForm is the sign-in form.
type SigninForm struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the form before any network call.
func (form SigninForm) Validate() error {
	return firstFieldError(validation.ValidateStruct(&form,
		validation.Field(&form.Email, emailRules()...),
		validation.Field(&form.Password, validation.Required.Error("Password is required")),
	), "email", "password")
}

// GoogleSigninForm carries the credential returned by Google Sign-In and the nonce it
// was requested with.
type GoogleSigninForm struct {
	IDToken string `json:"googleIdToken"`
	Nonce   string `json:"nonce"`
}

// Validate checks the form before any network call.
func (form GoogleSigninForm) Validate() error {
	return firstFieldError(validation.ValidateStruct(&form,
		validation.Field(&form.IDToken, validation.Required.Error("Google sign-in did not return a credential")),
		validation.Field(&form.Nonce, validation.Required.Error("Google sign-in request is missing its nonce")),
	), "googleIdToken", "nonce")
}

// VerifyForm confirms an email address.
type VerifyForm struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// Validate checks the form before any network call.
func (form VerifyForm) Validate() error {
	return firstFieldError(validation.ValidateStruct(&form,
		validation.Field(&form.Email, emailRules()...),
		validation.Field(&form.Code, codeRules()...),
	), "email", "code")
}

// ForgotPasswordForm starts a password reset.
type ForgotPasswordForm struct {
	Email string `json:"email"`
}

// Validate checks the form before any network call.
func (form ForgotPasswordForm) Validate() error {
	return firstFieldError(validation.ValidateStruct(&form,
		validation.Field(&form.Email, emailRules()...),
	), "email")
}

// ResetPasswordForm completes a password reset.
type ResetPasswordForm struct {
	Email           string `json:"email"`
	Code            string `json:"code"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Validate checks the form before any network call.
func (form ResetPasswordForm) Validate() error {
	return firstFieldError(validation.ValidateStruct(&form,
		validation.Field(&form.Email, emailRules()...),
		validation.Field(&form.Code, codeRules()...),
		validation.Field(&form.NewPassword, passwordRules()...),
		validation.Field(&form.ConfirmPassword, confirmRules(form.NewPassword)...),
	), "email", "code", "newPassword", "confirmPassword")
}

func emailRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("Email is required"),
		is.Email.Error("Please enter a valid email address"),
	}
}

func passwordRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("Password is required"),
		validation.By(passwordPolicy),
	}
}

func nameRules() []validation.Rule {
	return []validation.Rule{
		validation.By(func(value interface{}) error {
			name, _ := value.(string)
			trimmed := strings.TrimSpace(name)
			switch {
			case trimmed == "":
				return errors.New("Name is required")
			case len(trimmed) < 2:
				return errors.New("Name must be at least 2 characters")
			case !namePattern.MatchString(name):
				return errors.New("Name can only contain letters, spaces, hyphens, and apostrophes")
			}
			return nil
		}),
	}
}

func codeRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("Verification code is required"),
		validation.Match(codePattern).Error("Please enter the 6-digit code"),
	}
}

func confirmRules(password string) []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("Please confirm your password"),
		validation.By(func(value interface{}) error {
			confirmation, _ := value.(string)
			if confirmation != password {
				return errors.New("Passwords do not match")
			}
			return nil
		}),
	}
}

// MissingPasswordRequirements lists the policy rules password does not satisfy.
func MissingPasswordRequirements(password string) []string {
	var missing []string
	if len(password) < minimumPasswordLength {
		missing = append(missing, "at least 8 characters")
	}
	if !upperPattern.MatchString(password) {
		missing = append(missing, "one uppercase letter")
	}
	if !lowerPattern.MatchString(password) {
		missing = append(missing, "one lowercase letter")
	}
	if !digitPattern.MatchString(password) {
		missing = append(missing, "one number")
	}
	if !specialPattern.MatchString(password) {
		missing = append(missing, "one special character")
	}
	return missing
}

func passwordPolicy(value interface{}) error {
	password, _ := value.(string)
	if password == "" {
		return nil
	}
	if missing := MissingPasswordRequirements(password); len(missing) > 0 {
		return errors.New("Password must contain " + strings.Join(missing, ", "))
	}
	return nil
}

// firstFieldError converts ozzo errors into one validation error for the first failing
// field in form order.
func firstFieldError(err error, order ...string) error {
	if err == nil {
		return nil
	}
	var fieldErrors validation.Errors
	if !errors.As(err, &fieldErrors) {
		return autherr.Validation("", autherr.MessageValidation)
	}
	for _, field := range order {
		if fieldErr, ok := fieldErrors[field]; ok && fieldErr != nil {
			return autherr.Validation(field, fieldErr.Error())
		}
	}
	return autherr.Validation("", autherr.MessageValidation)
}

// Strength grades a password for display.
type Strength int

const (
	StrengthNone Strength = iota
	StrengthWeak
	StrengthFair
	StrengthGood
	StrengthStrong
)

func (strength Strength) String() string {
	switch strength {
	case StrengthWeak:
		return "Weak"
	case StrengthFair:
		return "Fair"
	case StrengthGood:
		return "Good"
	case StrengthStrong:
		return "Strong"
	default:
		return ""
	}
}

// PasswordStrength scores length and character variety.
func PasswordStrength(password string) Strength {
	if password == "" {
		return StrengthNone
	}
	score := 0
	if len(password) >= minimumPasswordLength {
		score++
	}
	if len(password) >= 12 {
		score++
	}
	for _, pattern := range []*regexp.Regexp{lowerPattern, upperPattern, digitPattern, specialPattern} {
		if pattern.MatchString(password) {
			score++
		}
	}
	switch {
	case score <= 2:
		return StrengthWeak
	case score <= 4:
		return StrengthFair
	case score == 5:
		return StrengthGood
	default:
		return StrengthStrong
	}
}
