package entity

// User is an anonymous identity record. Two users are the same player
// exactly when their IDs match, whatever name they carry.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// IsHost is a local role marker, never persisted.
	IsHost bool `json:"-"`
}

func (that User) Equal(other User) bool {
	return that.ID == other.ID
}
