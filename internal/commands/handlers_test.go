package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
	"groupcast/pkg/tgui"
)

func TestSettingsCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	f.say(userID, "/interval 5")
	assert.Contains(t, f.adapter.last().Text, "Invalid setting")
	st, err := f.store.Settings(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.MinIntervalMinutes, st.IntervalMinutes)

	f.say(userID, "/interval 30")
	f.say(userID, "/delay 3-8")
	f.say(userID, "/quiet 23:00-07:00")
	f.say(userID, "/window 09:00 - 21:00")
	f.say(userID, "/ab rotate")

	st, err = f.store.Settings(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 30, st.IntervalMinutes)
	assert.Equal(t, 3, st.GroupDelayMin)
	assert.Equal(t, 8, st.GroupDelayMax)
	require.NotNil(t, st.QuietHours)
	assert.Equal(t, "23:00-07:00", st.QuietHours.String())
	require.NotNil(t, st.ScheduleWindow)
	assert.Equal(t, "09:00-21:00", st.ScheduleWindow.String())
	assert.Equal(t, domain.ABMode{Enabled: true, Type: domain.ABRotate}, st.AB)

	f.say(userID, "/delay 9-2")
	assert.Contains(t, f.adapter.last().Text, "delay max must be")

	f.say(userID, "/quiet off")
	st, err = f.store.Settings(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, st.QuietHours)
	assert.NotNil(t, st.ScheduleWindow)
}

func TestSettingsNeedActiveAccount(t *testing.T) {
	f := newFixture(t)
	f.say(userID, "/interval 30")
	assert.Contains(t, f.adapter.last().Text, "/link")
}

func TestMsgKeepsFormatting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	// "/msg b " is 7 units long
	f.say2(userID, "/msg b Big sale", []domain.Entity{
		{Type: "bot_command", Offset: 0, Length: 4},
		{Type: "bold", Offset: 7, Length: 3},
	})
	c, err := f.store.Variant(ctx, 100, domain.VariantB)
	require.NoError(t, err)
	assert.Equal(t, "Big sale", c.Text)
	assert.Equal(t, []domain.Entity{{Type: "bold", Offset: 0, Length: 3}}, c.Entities)

	f.say(userID, "/msg b")
	assert.Contains(t, f.adapter.last().Text, "Big sale")

	f.say(userID, "/msg a")
	assert.Contains(t, f.adapter.last().Text, "Variant A is empty.")
}

func TestTemplateSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	f.say(userID, "/template save 2 Weekend promo")
	c, err := f.store.Template(ctx, userID, 2)
	require.NoError(t, err)
	assert.Equal(t, "Weekend promo", c.Text)

	f.say(userID, "/tpl use 2")
	st, err := f.store.Settings(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TemplateSlot)

	f.say(userID, "/template off")
	st, err = f.store.Settings(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, st.TemplateSlot)
}

func TestUseChecksOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	require.NoError(t, f.store.SaveAccount(ctx, domain.LinkedAccount{AccountID: 200, OwnerUserID: 77, IsActive: true}))
	require.NoError(t, f.store.SaveAccount(ctx, domain.LinkedAccount{AccountID: 300, OwnerUserID: userID, Username: "second", IsActive: true}))

	f.say(userID, "/use 200")
	assert.Contains(t, f.adapter.last().Text, "Account not found")
	u, err := f.store.User(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.ActiveAccountID)

	f.press(userID, tgui.Data("acc", "use", "300"))
	assert.Contains(t, f.adapter.last().Text, "@second")
	u, err = f.store.User(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), u.ActiveAccountID)
}

func TestBroadcastCommands(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	f.say(userID, "/broadcast start")
	out := f.adapter.last()
	assert.Contains(t, out.Text, "RUNNING")
	assert.Contains(t, out.Text, "0/500")
	assert.True(t, f.jobs.IsBroadcasting(userID, 100))
	require.NotEmpty(t, out.Keyboard)
	assert.Equal(t, tgui.Data("bc", "stop", ""), out.Keyboard[0][0].Data)

	f.say(userID, "/bc start")
	assert.Contains(t, f.adapter.last().Text, "already running")

	f.press(userID, tgui.Data("bc", "stop", ""))
	last := f.adapter.last()
	assert.True(t, last.Edit)
	assert.Contains(t, last.Text, "IDLE")
	assert.False(t, f.jobs.IsBroadcasting(userID, 100))

	audit, err := f.store.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestJobsListsEveryJobForOwners(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	f.say(ownerID, "/jobs")
	assert.Contains(t, f.adapter.last().Text, "No broadcast jobs")

	f.say(userID, "/broadcast start")
	f.say(userID, "/jobs")
	assert.NotContains(t, f.adapter.last().Text, "Jobs (")

	f.say(ownerID, "/jobs")
	out := f.adapter.last().Text
	assert.Contains(t, out, "Jobs (1)")
	assert.Contains(t, out, "100 · user 1 · RUNNING · cycle 1 · next -")
}

func TestBlacklistCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	f.say(userID, "/blacklist add -1001")
	bl, err := f.store.Blacklist(ctx, 100)
	require.NoError(t, err)
	assert.Contains(t, bl, int64(-1001))

	f.say(userID, "/bl del -1001")
	bl, err = f.store.Blacklist(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, bl)
}

func TestUnlinkGoesThroughLinker(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.say(userID, "/unlink 100")
	assert.Equal(t, []string{"unlink 100"}, f.linker.Calls())
	assert.Equal(t, "Account removed.", f.adapter.last().Text)
}
