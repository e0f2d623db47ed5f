package api

import (
	"fmt"
	"regexp"
	"time"
)

// maxBookingHorizonDays bounds how far ahead a prediction may be requested.
const maxBookingHorizonDays = 90

var crsRe = regexp.MustCompile(`^[A-Z]{3}$`)
var timeRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// FieldError is one machine-readable validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validatePredictRequest checks a predict request body, returning the
// parsed departure on success.
func validatePredictRequest(req *predictRequest, today time.Time) (time.Time, []FieldError) {
	var errs []FieldError

	if !crsRe.MatchString(req.Origin) {
		errs = append(errs, FieldError{"origin", "must be a 3-letter uppercase CRS code"})
	}
	if !crsRe.MatchString(req.Destination) {
		errs = append(errs, FieldError{"destination", "must be a 3-letter uppercase CRS code"})
	}

	var date time.Time
	if req.DepartureDate == "" {
		errs = append(errs, FieldError{"departure_date", "is required"})
	} else {
		var err error
		date, err = time.Parse("2006-01-02", req.DepartureDate)
		if err != nil {
			errs = append(errs, FieldError{"departure_date", "must be YYYY-MM-DD"})
		} else {
			day := today.Truncate(24 * time.Hour)
			if date.Before(day) {
				errs = append(errs, FieldError{"departure_date", "cannot be in the past"})
			} else if date.After(day.AddDate(0, 0, maxBookingHorizonDays)) {
				errs = append(errs, FieldError{"departure_date",
					fmt.Sprintf("cannot be more than %d days ahead", maxBookingHorizonDays)})
			}
		}
	}

	if !timeRe.MatchString(req.DepartureTime) {
		errs = append(errs, FieldError{"departure_time", "must be HH:MM (24-hour)"})
	}

	if req.Operator != "" && (len(req.Operator) < 2 || len(req.Operator) > 4) {
		errs = append(errs, FieldError{"operator", "must be a 2-4 character TOC code"})
	}

	if len(errs) > 0 {
		return time.Time{}, errs
	}

	var hh, mm int
	_, _ = fmt.Sscanf(req.DepartureTime, "%d:%d", &hh, &mm)
	return time.Date(date.Year(), date.Month(), date.Day(), hh, mm, 0, 0, time.UTC), nil
}

// validateFeedbackRequest checks a feedback submission.
func validateFeedbackRequest(req *feedbackRequest) []FieldError {
	var errs []FieldError
	if req.RequestID == "" {
		errs = append(errs, FieldError{"request_id", "is required"})
	}
	if req.Rating < 1 || req.Rating > 5 {
		errs = append(errs, FieldError{"rating", "must be between 1 and 5"})
	}
	if len(req.Comment) > 500 {
		errs = append(errs, FieldError{"comment", "must be 500 characters or fewer"})
	}
	return errs
}
