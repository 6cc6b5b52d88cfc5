package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormats(t *testing.T) {
	assert.True(t, IsConfigID(NewConfigID()))
	assert.True(t, IsProfileID(NewProfileID()))
	assert.Len(t, NewJobID(), len("job_")+16)
	assert.False(t, IsConfigID("cid_short"))
	assert.False(t, IsProfileID(NewConfigID()))
}

func TestRescheduleID(t *testing.T) {
	id := RescheduleID("job_abc")
	assert.True(t, strings.HasPrefix(id, "job_abc-r-"))
	assert.Len(t, id, len("job_abc-r-")+5)
	again := RescheduleID(id)
	assert.True(t, strings.HasPrefix(again, "job_abc-r-"))
	assert.Len(t, again, len(id))
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("tools", ConfigPrefix))
	assert.True(t, ValidName("_x-1", ConfigPrefix))
	assert.False(t, ValidName("-x", ConfigPrefix))
	assert.False(t, ValidName("cid_tools", ConfigPrefix))
	assert.False(t, ValidName("a b", ConfigPrefix))
	assert.False(t, ValidName("", ConfigPrefix))
}
