package models

// Binding ties one live connection to a (user, group) pair. At most one
// binding exists per connection; rebinding to another group carries the same
// side effects as an explicit leave of the old one.
type Binding struct {
	ConnID  string
	User    string
	GroupID string
}
