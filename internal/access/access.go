// Package access evaluates storyboard permissions for a given user.
package access

// Target is the permission-relevant slice of a storyboard.
type Target struct {
	OwnerID       string
	Collaborators []string
	Public        bool
	Collaborative bool
}

func CanRead(t Target, userID string) bool {
	if t.Public {
		return true
	}
	return userID == t.OwnerID || isCollaborator(t, userID)
}

// CanWrite never falls back to read access; a denied write stays denied.
func CanWrite(t Target, userID string) bool {
	if userID == t.OwnerID {
		return true
	}
	return t.Collaborative && isCollaborator(t, userID)
}

// CanManageCollaborators is owner-only regardless of the collaboration flag.
func CanManageCollaborators(t Target, userID string) bool {
	return userID == t.OwnerID
}

func isCollaborator(t Target, userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range t.Collaborators {
		if id == userID {
			return true
		}
	}
	return false
}
