package models

// Participant is the identity summary of a conversation member.
type Participant struct {
	ID          string  `json:"id" validate:"required"`
	DisplayName string  `json:"display_name" validate:"required,min=2,max=100"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Validate checks basic participant fields
func (p *Participant) Validate() error {
	return validate.Struct(p)
}
