package model

import (
	"github.com/carbide-infra/carbide/internal/carbideerrors"
)

const (
	nameMaxLength        = 256
	nameMinLengthDefault = 2
	descriptionMaxLength = 1024
	labelKeyMaxLength    = 255
	labelValueMaxLength  = 255
	maxLabels            = 10
)

// Metadata is the (name, description, labels) triple attached to most
// Carbide entities (remediations, instances, …).
type Metadata struct {
	Name        string
	Description string
	Labels      map[string]string
}

// Validate enforces the rules of spec.md §3 / §8. When requireMinLength is
// false, an empty name is accepted (used by callers synthesizing metadata
// for objects that don't carry an operator-chosen name).
func (m Metadata) Validate(requireMinLength bool) error {
	minLength := 0
	if requireMinLength {
		minLength = nameMinLengthDefault
	}
	if !isASCII(m.Name) {
		return carbideerrors.New(carbideerrors.InvalidArgument, "metadata name must be ASCII")
	}
	if len(m.Name) < minLength || len(m.Name) > nameMaxLength {
		return carbideerrors.New(carbideerrors.InvalidArgument, "metadata name length out of range")
	}
	if len(m.Description) > descriptionMaxLength {
		return carbideerrors.New(carbideerrors.InvalidArgument, "metadata description too long")
	}
	if len(m.Labels) > maxLabels {
		return carbideerrors.New(carbideerrors.InvalidArgument, "metadata has too many labels")
	}
	for key, value := range m.Labels {
		if !isASCII(key) || len(key) < 1 || len(key) > labelKeyMaxLength {
			return carbideerrors.New(carbideerrors.InvalidArgument, "metadata label key invalid")
		}
		if len(value) > labelValueMaxLength {
			return carbideerrors.New(carbideerrors.InvalidArgument, "metadata label value too long")
		}
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
