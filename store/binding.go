package store

// BindingState tracks single-use binding codes. Transitions are one-way:
// unused becomes used and never reverts.
type BindingState string

const (
	BindingUnused BindingState = "unused"
	BindingUsed   BindingState = "used"
)

// Binding is a pre-provisioned customer identity code. An entity claims it
// with /bind; an optional bcrypt password hash protects the claim.
type Binding struct {
	ID           int64
	CustomID     string
	PasswordHash *string
	State        BindingState
	UsedByEntity *int64
	UsedTs       *int64
	CreatedTs    int64
}

type FindBinding struct {
	ID       *int64
	CustomID *string
	State    *BindingState
}
