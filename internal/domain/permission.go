package domain

// SpacePermission grants a user access to one content space. The set of
// space ids a user holds becomes the retrieval content filter.
type SpacePermission struct {
	ID      int64  `json:"id"`
	UserID  string `json:"user_id"`
	SpaceID string `json:"space_id"`
}
