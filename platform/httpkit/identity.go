// Package httpkit provides HTTP utilities including identity abstraction.
package httpkit

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Identity represents the authenticated agent's identity.
// Handlers read it without depending on the JWT claim layout.
type Identity interface {
	// UserID returns the authenticated agent's ID.
	UserID() uuid.UUID
	// BranchID returns the branch scope carried by the token, if any.
	BranchID() *uuid.UUID
	// Roles returns the agent's roles.
	Roles() []string
	// HasRole checks if the agent has a specific role.
	HasRole(role string) bool
	// CanAccessBranch reports whether the agent may read or mutate the given branch board.
	CanAccessBranch(branchID uuid.UUID) bool
	// IsAuthenticated returns true if the agent is authenticated.
	IsAuthenticated() bool
}

// RoleAdmin may access every branch.
const RoleAdmin = "admin"

type identity struct {
	userID        uuid.UUID
	branchID      *uuid.UUID
	roles         []string
	authenticated bool
}

func (i *identity) UserID() uuid.UUID {
	return i.userID
}

func (i *identity) BranchID() *uuid.UUID {
	return i.branchID
}

func (i *identity) Roles() []string {
	return i.roles
}

func (i *identity) HasRole(role string) bool {
	return slices.Contains(i.roles, role)
}

func (i *identity) CanAccessBranch(branchID uuid.UUID) bool {
	if !i.authenticated {
		return false
	}
	if i.HasRole(RoleAdmin) {
		return true
	}
	return i.branchID != nil && *i.branchID == branchID
}

func (i *identity) IsAuthenticated() bool {
	return i.authenticated
}

// GetIdentity extracts the Identity from a Gin context.
// Returns an unauthenticated identity if agent info is not present.
func GetIdentity(c *gin.Context) Identity {
	userID, userOK := c.Get(ContextUserIDKey)
	if !userOK {
		return &identity{authenticated: false}
	}

	uid, ok := userID.(uuid.UUID)
	if !ok {
		return &identity{authenticated: false}
	}

	var roleList []string
	if roles, ok := c.Get(ContextRolesKey); ok {
		roleList, _ = roles.([]string)
	}

	var branch *uuid.UUID
	if raw, ok := c.Get(ContextBranchIDKey); ok {
		if parsed, ok := raw.(uuid.UUID); ok {
			branch = &parsed
		}
	}

	return &identity{
		userID:        uid,
		branchID:      branch,
		roles:         roleList,
		authenticated: true,
	}
}

// MustGetIdentity extracts the Identity from a Gin context.
// If the agent is not authenticated, it aborts with 401 Unauthorized and returns nil.
func MustGetIdentity(c *gin.Context) Identity {
	id := GetIdentity(c)
	if !id.IsAuthenticated() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	return id
}

// MustAccessBranch parses the :branchId path param and verifies the caller's scope.
// On failure it writes the response and returns false.
func MustAccessBranch(c *gin.Context) (Identity, uuid.UUID, bool) {
	id := MustGetIdentity(c)
	if id == nil {
		return nil, uuid.Nil, false
	}

	branchID, err := uuid.Parse(c.Param("branchId"))
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid branch id", nil)
		return nil, uuid.Nil, false
	}

	if !id.CanAccessBranch(branchID) {
		Error(c, http.StatusForbidden, "forbidden", nil)
		return nil, uuid.Nil, false
	}
	return id, branchID, true
}
