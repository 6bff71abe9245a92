package store

// BlackList bans an entity from the support desk. A nil ExpiresTs means the
// ban is permanent; an expired row no longer counts as banned.
type BlackList struct {
	UserID    int64
	Reason    string
	ExpiresTs *int64
	CreatedTs int64
}

type FindBlackList struct {
	UserID *int64
}
