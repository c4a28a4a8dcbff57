package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec(id string) *Spec {
	now := time.Now().UTC()
	return &Spec{
		ScheduleID: id,
		Cron:       "*/5 * * * *",
		Timezone:   "Asia/Shanghai",
		Template: JobTemplate{
			TaskDescription: "run the nightly report",
			MaxTasks:        10,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSpecValidate(t *testing.T) {
	require.NoError(t, validSpec("nightly").Validate())

	spec := validSpec("nightly")
	spec.ScheduleID = ""
	assert.ErrorContains(t, spec.Validate(), "schedule_id")

	spec = validSpec("nightly")
	spec.Cron = "not a cron"
	assert.ErrorContains(t, spec.Validate(), "invalid cron")

	spec = validSpec("nightly")
	spec.Cron = "0 0 * * * *"
	assert.Error(t, spec.Validate(), "six fields are rejected")

	spec = validSpec("nightly")
	spec.Timezone = "Mars/Olympus"
	assert.ErrorContains(t, spec.Validate(), "invalid timezone")

	spec = validSpec("nightly")
	spec.Template.TaskDescription = ""
	assert.ErrorContains(t, spec.Validate(), "task_description")
}

func TestNextFire(t *testing.T) {
	spec := validSpec("nightly")
	spec.Cron = "30 2 * * *"
	spec.Timezone = "UTC"

	after := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	next, err := NextFire(spec, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC), next)

	// fires daily: asking after the fire time rolls to the next day
	next, err = NextFire(spec, next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC), next)
}

func TestNextFireHonorsTimezone(t *testing.T) {
	spec := validSpec("morning")
	spec.Cron = "0 9 * * *"
	spec.Timezone = "Asia/Shanghai"

	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextFire(spec, after)
	require.NoError(t, err)
	// 09:00 in Shanghai is 01:00 UTC
	assert.Equal(t, time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC), next.UTC())
}

func TestStoreSpecRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	spec := validSpec("nightly")
	require.NoError(t, store.SaveSpec(spec))

	loaded, err := store.LoadSpec("nightly")
	require.NoError(t, err)
	assert.Equal(t, spec.Cron, loaded.Cron)
	assert.Equal(t, spec.Template.TaskDescription, loaded.Template.TaskDescription)

	_, err = store.LoadSpec("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSaveSpecValidates(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	spec := validSpec("bad")
	spec.Cron = "nope"
	assert.Error(t, store.SaveSpec(spec))
}

func TestStoreStatus(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	require.NoError(t, store.SaveSpec(validSpec("nightly")))

	// never fired: a zero status, not an error
	status, err := store.LoadStatus("nightly")
	require.NoError(t, err)
	assert.Empty(t, status.LastJobID)
	assert.False(t, status.Pending)

	// but an unknown schedule is still an error
	_, err = store.LoadStatus("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, store.SaveStatus("nightly", &Status{
		LastJobID:     "job-1",
		LastStatus:    "QUEUED",
		LastStartedAt: &now,
	}))
	status, err = store.LoadStatus("nightly")
	require.NoError(t, err)
	assert.Equal(t, "job-1", status.LastJobID)
	assert.Equal(t, "QUEUED", status.LastStatus)
}

func TestStoreListAndDelete(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	require.NoError(t, store.SaveSpec(validSpec("beta")))
	require.NoError(t, store.SaveSpec(validSpec("alpha")))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)

	require.NoError(t, store.Delete("alpha"))
	ids, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, ids)

	assert.ErrorIs(t, store.Delete("alpha"), ErrNotFound)
}
