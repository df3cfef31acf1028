package appointment

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	maxNameLength   = 100
	maxReasonLength = 500
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,19}$`)
)

// ValidationError is a malformed request. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

func validateName(field, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return invalid(field, "is required")
	}
	if len(v) > maxNameLength {
		return invalid(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return nil
}

func validateEmail(v string) error {
	if !emailPattern.MatchString(strings.TrimSpace(v)) {
		return invalid("patient_email", "must be a valid email address")
	}
	return nil
}

func validatePhone(v string) error {
	v = strings.TrimSpace(v)
	if !phonePattern.MatchString(v) {
		return invalid("patient_phone", "must be a valid phone number")
	}
	return nil
}

func validateScheduledAt(t, now time.Time) error {
	if t.IsZero() {
		return invalid("scheduled_at", "is required")
	}
	if !t.After(now) {
		return invalid("scheduled_at", "must be in the future")
	}
	return nil
}

func validateReason(v string) error {
	if len(v) > maxReasonLength {
		return invalid("reason", fmt.Sprintf("must be at most %d characters", maxReasonLength))
	}
	return nil
}

func (in CreateInput) validate(now time.Time) error {
	if in.DoctorID <= 0 {
		return invalid("doctor_id", "must be a positive id")
	}
	if err := validateName("patient_last_name", in.PatientLastName); err != nil {
		return err
	}
	if err := validateName("patient_first_name", in.PatientFirstName); err != nil {
		return err
	}
	if err := validateEmail(in.PatientEmail); err != nil {
		return err
	}
	if err := validatePhone(in.PatientPhone); err != nil {
		return err
	}
	if err := validateScheduledAt(in.ScheduledAt, now); err != nil {
		return err
	}
	return validateReason(in.Reason)
}

// apply copies the set fields onto a and validates each of them.
func (in UpdateInput) apply(a *Appointment, now time.Time) error {
	if in.PatientLastName != nil {
		if err := validateName("patient_last_name", *in.PatientLastName); err != nil {
			return err
		}
		a.PatientLastName = strings.TrimSpace(*in.PatientLastName)
	}
	if in.PatientFirstName != nil {
		if err := validateName("patient_first_name", *in.PatientFirstName); err != nil {
			return err
		}
		a.PatientFirstName = strings.TrimSpace(*in.PatientFirstName)
	}
	if in.PatientEmail != nil {
		if err := validateEmail(*in.PatientEmail); err != nil {
			return err
		}
		a.PatientEmail = strings.TrimSpace(*in.PatientEmail)
	}
	if in.PatientPhone != nil {
		if err := validatePhone(*in.PatientPhone); err != nil {
			return err
		}
		a.PatientPhone = strings.TrimSpace(*in.PatientPhone)
	}
	if in.ScheduledAt != nil {
		if err := validateScheduledAt(*in.ScheduledAt, now); err != nil {
			return err
		}
		a.ScheduledAt = in.ScheduledAt.UTC()
	}
	if in.Reason != nil {
		if err := validateReason(*in.Reason); err != nil {
			return err
		}
		a.Reason = *in.Reason
	}
	if in.Status != nil {
		switch *in.Status {
		case StatusPending, StatusConfirmed:
			a.Status = *in.Status
		case StatusCancelled:
			return invalid("status", "use DELETE to cancel an appointment")
		default:
			return invalid("status", fmt.Sprintf("unknown status %q", *in.Status))
		}
	}
	return nil
}
