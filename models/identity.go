package models

type IdentityKind string

const (
	Authenticated IdentityKind = "authenticated"
	Guest         IdentityKind = "guest"
)

// Identity is the user the sync session runs for.
type Identity struct {
	ID   string       `json:"id"`
	Kind IdentityKind `json:"kind"`
}

func (i Identity) IsZero() bool  { return i.ID == "" }
func (i Identity) IsGuest() bool { return i.Kind == Guest }
