package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRolePermissions(t *testing.T) {
	assert.True(t, Allowed([]string{RoleReader}, nil, ConfigsRead))
	assert.False(t, Allowed([]string{RoleReader}, nil, ConfigsWrite))
	assert.True(t, Allowed([]string{RoleEditor}, nil, ProfilesWrite))
	assert.True(t, Allowed([]string{RoleEditor}, nil, BundlesWrite))
	assert.True(t, Allowed([]string{RoleReader}, nil, BundlesRead))
	assert.False(t, Allowed([]string{RoleReader, RoleService}, nil, BundlesWrite))
	assert.True(t, Allowed([]string{RoleService}, nil, EventsPublish))
	assert.False(t, Allowed([]string{RoleService}, nil, ConfigsWrite))
	assert.True(t, Allowed([]string{RoleAdmin}, nil, "anything"))
	assert.True(t, Allowed(nil, []string{JobsRead}, JobsRead))
	assert.False(t, Allowed([]string{"ghost"}, nil, JobsRead))

	assert.Contains(t, Permissions([]string{RoleReader, RoleService}), EventsPublish)
	assert.True(t, KnownRole(RoleEditor))
	assert.False(t, KnownRole("ghost"))
}

func TestRequire(t *testing.T) {
	err := Require([]string{RoleReader}, nil, LevelsSync)
	var fe ForbiddenError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, LevelsSync, fe.Permission)
	assert.NoError(t, Require([]string{RoleEditor}, nil, LevelsSync))
}
