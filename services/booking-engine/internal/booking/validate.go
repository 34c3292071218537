package booking

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/careslot/careslot/services/booking-engine/internal/model"
)

// Patient is the contact data captured at booking time. No account reference
// is persisted; these fields are the whole identity.
type Patient struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

var phonePattern = regexp.MustCompile(`^\+?[0-9 ()/-]{6,20}$`)

func validate(req Request) error {
	req.Patient.FirstName = strings.TrimSpace(req.Patient.FirstName)
	req.Patient.LastName = strings.TrimSpace(req.Patient.LastName)

	switch {
	case strings.TrimSpace(req.SlotID) == "":
		return fmt.Errorf("%w: slot id required", model.ErrValidation)
	case strings.TrimSpace(req.RequesterID) == "":
		return fmt.Errorf("%w: requester id required", model.ErrValidation)
	case strings.TrimSpace(req.ServiceID) == "":
		return fmt.Errorf("%w: service id required", model.ErrValidation)
	case req.Patient.FirstName == "" || req.Patient.LastName == "":
		return fmt.Errorf("%w: first and last name required", model.ErrValidation)
	case !req.ConsentGiven:
		return fmt.Errorf("%w: consent must be given", model.ErrValidation)
	}

	if _, err := mail.ParseAddress(strings.TrimSpace(req.Patient.Email)); err != nil {
		return fmt.Errorf("%w: invalid email address", model.ErrValidation)
	}
	if p := strings.TrimSpace(req.Patient.Phone); p != "" && !phonePattern.MatchString(p) {
		return fmt.Errorf("%w: invalid phone number", model.ErrValidation)
	}
	return nil
}
