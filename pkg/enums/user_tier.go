package enums

// UserTier is the top-level access level used for quota gating. The zero
// value means "leave the stored tier unchanged".
type UserTier string

const (
	UserTierUnchanged UserTier = ""
	UserTierFree      UserTier = "free"
	UserTierPro       UserTier = "pro"
)

// String implements fmt.Stringer.
func (t UserTier) String() string {
	return string(t)
}

// IsSet reports whether the tier carries an explicit decision.
func (t UserTier) IsSet() bool {
	return t != UserTierUnchanged
}
