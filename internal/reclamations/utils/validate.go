package utils

import (
	"fmt"
	"strings"
)

const maxDescriptionLength = 5000

// MaxPhotos is the number of photos one reclamation may carry
const MaxPhotos = 10

// ValidationError describes a malformed intake payload
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateReclamation checks the fields a reclamation cannot be filed without
func ValidateReclamation(description, orderRef, complaintType string, photos []string) error {
	if strings.TrimSpace(description) == "" {
		return &ValidationError{Field: "description", Message: "is required"}
	}
	if len(description) > maxDescriptionLength {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", maxDescriptionLength)}
	}
	if strings.TrimSpace(orderRef) == "" {
		return &ValidationError{Field: "orderRef", Message: "is required"}
	}
	if strings.TrimSpace(complaintType) == "" {
		return &ValidationError{Field: "complaintType", Message: "is required"}
	}
	if len(photos) > MaxPhotos {
		return &ValidationError{Field: "photos", Message: fmt.Sprintf("at most %d photos are accepted", MaxPhotos)}
	}
	for i, p := range photos {
		if strings.TrimSpace(p) == "" {
			return &ValidationError{Field: fmt.Sprintf("photos[%d]", i), Message: "is empty"}
		}
	}
	return nil
}

// CleanPhotos trims photo references and drops duplicates, keeping order
func CleanPhotos(photos []string) []string {
	seen := make(map[string]bool, len(photos))
	out := make([]string, 0, len(photos))
	for _, p := range photos {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
