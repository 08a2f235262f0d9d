package models

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Value != "" {
		return fmt.Sprintf("%s: %s (value: %q)", ve.Field, ve.Message, ve.Value)
	}
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ves ValidationErrors) Error() string {
	if len(ves) == 0 {
		return ""
	}
	if len(ves) == 1 {
		return ves[0].Error()
	}

	var messages []string
	for _, ve := range ves {
		messages = append(messages, ve.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

var (
	fqdnLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	commitSHAPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)
	repoNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,100}$`)
)

// NewValidator creates a new validator with custom validation rules
func NewValidator() *validator.Validate {
	v := validator.New()

	v.RegisterValidation("fqdn_label", validateFQDNLabel)
	v.RegisterValidation("commit_sha", validateCommitSHA)
	v.RegisterValidation("repo_name", validateRepoName)
	v.RegisterValidation("rootdir", validateRootDir)

	return v
}

// ValidatePushEvent validates an inbound push notification
func ValidatePushEvent(e *PushEvent) error {
	return validateStruct(e)
}

// ValidateRepoConfig validates a repository config file and checks slugs are unique
func ValidateRepoConfig(c *RepoConfig) error {
	if err := validateStruct(c); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, app := range c.Applications {
		if seen[app.Slug] {
			return ValidationErrors{{Field: "Slug", Message: "must be unique", Value: app.Slug}}
		}
		seen[app.Slug] = true
	}
	return nil
}

// ValidateBuildRequest validates a build request before it reaches the compiler
func ValidateBuildRequest(r *BuildRequest) error {
	return validateStruct(r)
}

// ValidateApplication validates a catalog application
func ValidateApplication(a *Application) error {
	return validateStruct(a)
}

// ValidateDomain validates a custom domain
func ValidateDomain(d *Domain) error {
	return validateStruct(d)
}

func validateStruct(s interface{}) error {
	if err := NewValidator().Struct(s); err != nil {
		return convertValidatorErrors(err)
	}
	return nil
}

// convertValidatorErrors converts go-playground validator errors to our custom format
func convertValidatorErrors(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errors ValidationErrors

		for _, ve := range validationErrors {
			errors = append(errors, ValidationError{
				Field:   ve.Field(),
				Message: getValidationMessage(ve),
				Value:   fmt.Sprintf("%v", ve.Value()),
			})
		}

		return errors
	}

	return err
}

// getValidationMessage returns a human-readable message for validation errors
func getValidationMessage(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", ve.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", ve.Param())
	case "fqdn":
		return "must be a fully qualified domain name"
	case "fqdn_label":
		return "must be a lowercase DNS label (alphanumeric and hyphens, at most 63 characters)"
	case "commit_sha":
		return "must be a hexadecimal commit hash"
	case "repo_name":
		return "must be a valid repository owner or name"
	case "rootdir":
		return "must be a relative path inside the repository"
	default:
		return ve.Error()
	}
}

func validateFQDNLabel(fl validator.FieldLevel) bool {
	return fqdnLabelPattern.MatchString(fl.Field().String())
}

func validateCommitSHA(fl validator.FieldLevel) bool {
	return commitSHAPattern.MatchString(fl.Field().String())
}

func validateRepoName(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	return repoNamePattern.MatchString(value) && value != "." && value != ".."
}

// validateRootDir accepts empty (repository root) or a clean relative path
func validateRootDir(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" || value == "." || value == "/" {
		return true
	}

	cleaned := path.Clean(strings.TrimPrefix(value, "/"))
	return cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}
