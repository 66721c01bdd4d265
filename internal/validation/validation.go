package validation

import (
	"errors"
	"math"
	"strings"
	"unicode"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrCoordinateNotFinite is returned when latitude or longitude is NaN or infinite.
var ErrCoordinateNotFinite = errors.New("coordinate must be a finite number")

// ErrLatitudeOutOfRange is returned when latitude is outside [-90, 90].
var ErrLatitudeOutOfRange = errors.New("latitude out of range")

// ErrLongitudeOutOfRange is returned when longitude is outside [-180, 180].
var ErrLongitudeOutOfRange = errors.New("longitude out of range")

// ErrDaysOutOfRange is returned when a day count is outside the allowed bounds.
var ErrDaysOutOfRange = errors.New("days out of range")

// ValidateLocation trims the input, enforces a maximum length (in runes), and
// restricts to allowed characters: letters (Unicode), digits, space, comma,
// hyphen, period, apostrophe. Returns the trimmed string or an error suitable
// for 400 INVALID_LOCATION responses. Normalization (e.g. lowercase) is left
// to the service layer.
func ValidateLocation(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrLocationEmpty
	}
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

// ValidateCoordinates rejects non-finite values and out-of-range latitude or
// longitude. Must be called before any cache or upstream access.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return ErrCoordinateNotFinite
	}
	if lat < -90 || lat > 90 {
		return ErrLatitudeOutOfRange
	}
	if lon < -180 || lon > 180 {
		return ErrLongitudeOutOfRange
	}
	return nil
}

// ValidateDays enforces inclusive bounds on a day-count parameter.
func ValidateDays(days, min, max int) error {
	if days < min || days > max {
		return ErrDaysOutOfRange
	}
	return nil
}

// isAllowedLocationRune returns true for letters (Unicode), digits, space,
// comma, hyphen, period, apostrophe.
func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
