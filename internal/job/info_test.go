package job

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJob(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Info
	}{
		{
			name: "prusa",
			content: "; generated by PrusaSlicer 2.6.0 on 2026-01-02\n" +
				"; layer_height = 0.2\n" +
				"G1 X1\n" +
				"; filament used [mm] = 1234.56, 10.5\n" +
				"; estimated printing time (normal mode) = 1h 2m 3s\n",
			want: Info{
				GeneratedBy: "PrusaSlicer 2.6.0 on 2026-01-02",
				LayerHeight: 0.2,
				Filament:    []float64{1234.56, 10.5},
				PrintTime:   3723,
			},
		},
		{
			name: "cura",
			content: ";FLAVOR:RepRap\n" +
				";TIME:6000\n" +
				";Filament used: 1.5m\n" +
				";Layer height: 0.15\n" +
				";Generated with Cura_SteamEngine 5.4.0\n",
			want: Info{
				GeneratedBy: "Cura_SteamEngine 5.4.0",
				LayerHeight: 0.15,
				Filament:    []float64{1500},
				PrintTime:   6000,
			},
		},
		{
			name: "simplify3d",
			content: "; G-Code generated by Simplify3D(R) Version 4.1.2\n" +
				";   layerHeight,0.25\n" +
				";   Build time: 2 hours 5 minutes\n" +
				";   Filament length: 4000.1 mm (4.0 m)\n" +
				"; Simulated print time 7300\n",
			want: Info{
				GeneratedBy:   "Simplify3D(R) Version 4.1.2",
				LayerHeight:   0.25,
				Filament:      []float64{4000.1},
				PrintTime:     7500,
				SimulatedTime: 7300,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeJob(t, tt.content)
			info, err := ParseInfo(path, 4096)
			require.NoError(t, err)

			assert.Equal(t, "part.gcode", info.FileName)
			assert.Equal(t, int64(len(tt.content)), info.Size)
			assert.False(t, info.LastModified.IsZero())
			assert.Equal(t, tt.want.GeneratedBy, info.GeneratedBy)
			assert.InDelta(t, tt.want.LayerHeight, info.LayerHeight, 1e-9)
			assert.InDeltaSlice(t, tt.want.Filament, info.Filament, 1e-6)
			assert.Equal(t, tt.want.PrintTime, info.PrintTime)
			assert.Equal(t, tt.want.SimulatedTime, info.SimulatedTime)
		})
	}
}

func TestParseInfoReadsFooter(t *testing.T) {
	var b strings.Builder
	b.WriteString("; generated by PrusaSlicer 2.6.0\n")
	for b.Len() < 64<<10 {
		b.WriteString("G1 X10 Y10 E0.5\n")
	}
	b.WriteString("; filament used [mm] = 99.5\n")
	b.WriteString("; layer_height = 0.3\n")

	info, err := ParseInfo(writeJob(t, b.String()), 1024)
	require.NoError(t, err)
	assert.Equal(t, "PrusaSlicer 2.6.0", info.GeneratedBy)
	assert.Equal(t, []float64{99.5}, info.Filament)
	assert.InDelta(t, 0.3, info.LayerHeight, 1e-9)
	assert.Zero(t, info.PrintTime)
}

func TestParseInfoRejectsImplausibleLayerHeight(t *testing.T) {
	info, err := ParseInfo(writeJob(t, "; layer_height = 2.5\n"), 4096)
	require.NoError(t, err)
	assert.Zero(t, info.LayerHeight)
}

func TestParseInfoMissingFile(t *testing.T) {
	_, err := ParseInfo(filepath.Join(t.TempDir(), "missing.g"), 4096)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
