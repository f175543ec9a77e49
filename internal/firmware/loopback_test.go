package firmware

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/log"
	"github.com/mattjoyce/motionhost/internal/pipeline"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func newLinkedChannel(t *testing.T, opts Options) (*pipeline.Channel, *Loopback) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	link := NewLoopback(ctx, opts)
	ch := pipeline.NewChannel(ctx, code.HTTP, pipeline.Options{Transport: link})
	t.Cleanup(func() {
		cancel()
		ch.Close()
		link.Close()
	})
	return ch, link
}

func run(t *testing.T, ch *pipeline.Channel, line string) (*code.Result, error) {
	t.Helper()
	c, err := code.Parse(line)
	require.NoError(t, err)
	c.Channel = ch.ID()
	require.NoError(t, ch.WriteAsync(context.Background(), c, code.StageStart))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Wait(ctx)
}

func TestLoopbackTracksPosition(t *testing.T) {
	ch, link := newLinkedChannel(t, Options{})

	for _, line := range []string{"G28", "G1 X10 Y20 F1200", "G91", "G1 X5 Z1", "G90"} {
		res, err := run(t, ch, line)
		require.NoError(t, err, line)
		assert.False(t, res.IsError(), line)
	}

	res, err := run(t, ch, "M114")
	require.NoError(t, err)
	assert.Equal(t, "X:15.000 Y:20.000 Z:1.000 E:0.000", res.Content)
	assert.EqualValues(t, 6, link.Sent())
	assert.Equal(t, "M114", link.History()[5])
}

func TestLoopbackSetPosition(t *testing.T) {
	ch, _ := newLinkedChannel(t, Options{})

	_, err := run(t, ch, "G1 X50")
	require.NoError(t, err)
	_, err = run(t, ch, "G92 X0")
	require.NoError(t, err)
	_, err = run(t, ch, "G1 X2")
	require.NoError(t, err)

	res, err := run(t, ch, "M114")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Content, "X:2.000 "), res.Content)
}

func TestLoopbackFirmwareInfo(t *testing.T) {
	ch, _ := newLinkedChannel(t, Options{Name: "bench", MotionSystems: 2})

	res, err := run(t, ch, "M115")
	require.NoError(t, err)
	assert.Contains(t, res.Content, "FIRMWARE_NAME: bench")
	assert.Contains(t, res.Content, "MOTION_SYSTEMS: 2")
}

func TestLoopbackMotionSystemSelection(t *testing.T) {
	ch, link := newLinkedChannel(t, Options{MotionSystems: 2})

	res, err := run(t, ch, "M596 P1")
	require.NoError(t, err)
	assert.False(t, res.IsError())
	_, err = run(t, ch, "G1 X7")
	require.NoError(t, err)

	st := link.Status()
	require.Len(t, st.Systems, 2)
	assert.Equal(t, 0.0, st.Systems[0]["X"])
	assert.Equal(t, 7.0, st.Systems[1]["X"])
	assert.Equal(t, 1, st.Selected["HTTP"])

	res, err = run(t, ch, "M596 P2")
	require.NoError(t, err)
	assert.True(t, res.IsError())
}

func TestLoopbackBadFeedRate(t *testing.T) {
	ch, _ := newLinkedChannel(t, Options{})

	res, err := run(t, ch, "G1 X1 F0")
	require.NoError(t, err)
	assert.True(t, res.IsError())
}

func TestLoopbackDwellCancelled(t *testing.T) {
	ch, _ := newLinkedChannel(t, Options{})

	c, err := code.Parse("G4 S30")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	c.WithContext(ctx)
	c.Channel = ch.ID()
	require.NoError(t, ch.WriteAsync(context.Background(), c, code.StageStart))

	time.Sleep(50 * time.Millisecond)
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	_, err = c.Wait(wctx)
	assert.ErrorIs(t, err, code.ErrCancelled)
}

func TestLoopbackLatency(t *testing.T) {
	ch, _ := newLinkedChannel(t, Options{Latency: 20 * time.Millisecond})

	start := time.Now()
	_, err := run(t, ch, "G1 X1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestLoopbackDrainsNestedFrames(t *testing.T) {
	ch, link := newLinkedChannel(t, Options{})

	h := ch.Push(source("nested.g"))
	require.NotNil(t, h)

	c, err := code.Parse("G1 X3")
	require.NoError(t, err)
	c.Channel = ch.ID()
	c.Macro = source("nested.g")
	require.NoError(t, ch.WriteAsync(context.Background(), c, code.StageStart))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Wait(ctx)
	require.NoError(t, err)
	require.True(t, ch.FlushTop(ctx))
	require.NoError(t, ch.Pop())
	assert.EqualValues(t, 1, link.Sent())
}

type source string

func (s source) Name() string { return string(s) }

func TestLoopbackFields(t *testing.T) {
	ch, link := newLinkedChannel(t, Options{Name: "bench", MotionSystems: 2})

	for _, line := range []string{"G28", "G1 X12.5 Y3", "T1"} {
		_, err := run(t, ch, line)
		require.NoError(t, err, line)
	}

	fields := link.Fields()
	assert.Equal(t, "bench", fields["firmware.name"])
	assert.Equal(t, 2, fields["move.systems"])
	assert.Equal(t, 12.5, fields["move.x"])
	assert.Equal(t, 3.0, fields["move.y"])
	assert.EqualValues(t, 3, fields["firmware.sent"])
	assert.Equal(t, 1, fields["tool"])
	assert.Equal(t, 2, link.MotionSystems())
}
