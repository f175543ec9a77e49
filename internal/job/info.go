package job

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxLayerHeight rejects values that are clearly not layer heights.
const maxLayerHeight = 0.9

// Info is the metadata slicers leave in the header or footer of a job file.
type Info struct {
	FileName      string    `json:"file_name"`
	Size          int64     `json:"size"`
	LastModified  time.Time `json:"last_modified"`
	LayerHeight   float64   `json:"layer_height,omitempty"`
	Filament      []float64 `json:"filament,omitempty"`
	GeneratedBy   string    `json:"generated_by,omitempty"`
	PrintTime     int64     `json:"print_time,omitempty"`
	SimulatedTime int64     `json:"simulated_time,omitempty"`
}

// complete reports whether the footer can be skipped.
func (i *Info) complete() bool {
	return i.LayerHeight != 0 && len(i.Filament) > 0 && i.GeneratedBy != "" && i.PrintTime != 0
}

var (
	layerHeightFilters = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\slayer_height\D+(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)Layer height\D+(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)layerHeight\D+(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)layer_thickness_mm\D+(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)layerThickness\D+(\d+\.?\d*)`),
	}

	// each filter captures the list of values; units are read per value
	filamentFilters = []struct {
		re    *regexp.Regexp
		scale float64
	}{
		{regexp.MustCompile(`(?i)filament used \[mm\]\D+(\d+\.?\d*(?:\s*,\s*\d+\.?\d*)*)`), 1},
		{regexp.MustCompile(`(?i)filament used\D+((?:\d+\.?\d*mm\D*)+)`), 1},
		{regexp.MustCompile(`(?i)filament used\D+((?:\d+\.?\d*m(?:[^m]|$)\D*)+)`), 1000},
		{regexp.MustCompile(`(?i)filament length\D+((?:\d+\.?\d*\s*mm\D*)+)`), 1},
	}
	number = regexp.MustCompile(`\d+\.?\d*`)

	generatedByFilters = []*regexp.Regexp{
		regexp.MustCompile(`(?i)generated by\s+(.+)`),
		regexp.MustCompile(`(?i);\s*Sliced by\s+(.+)`),
		regexp.MustCompile(`(?i);\s*(KISSlicer.*)`),
		regexp.MustCompile(`(?i);\s*Sliced at:\s*(.+)`),
		regexp.MustCompile(`(?i);\s*Generated with\s*(.+)`),
	}

	printTimeFilters = []*regexp.Regexp{
		regexp.MustCompile(`(?i)estimated printing time(?: \(normal mode\))? = (?:(?P<h>\d+)h\s*)?(?:(?P<m>\d+)m\s*)?(?:(?P<s>\d+)s)?`),
		regexp.MustCompile(`(?i);TIME:(?P<s>\d+\.?\d*)`),
		regexp.MustCompile(`(?i)Build time: (?:(?P<h>\d+) hours\s*)?(?:(?P<m>\d+) minutes\s*)?(?:(?P<s>\d+) seconds)?`),
		regexp.MustCompile(`(?i)Estimated Build Time:\s+(?:(?P<h>\d+\.?\d*) hours\s*)?(?:(?P<m>\d+\.?\d*) minutes\s*)?(?:(?P<s>\d+\.?\d*) seconds)?`),
	}

	simulatedTimeFilters = []*regexp.Regexp{
		regexp.MustCompile(`(?i); Simulated print time\D+(?P<s>\d+\.?\d*)`),
	}
)

// ParseInfo reads the metadata of a job file from its first and last
// scanBytes bytes.
func ParseInfo(path string, scanBytes int64) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory", path)
	}
	info := &Info{
		FileName:     filepath.Base(path),
		Size:         st.Size(),
		LastModified: st.ModTime().UTC(),
	}

	head := io.NewSectionReader(f, 0, min(scanBytes, st.Size()))
	if err := scanInfo(head, info); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if st.Size() > scanBytes && !info.complete() {
		start := max(scanBytes, st.Size()-scanBytes)
		tail := io.NewSectionReader(f, start, st.Size()-start)
		if err := scanInfo(tail, info); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return info, nil
}

func scanInfo(r io.Reader, info *Info) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 256<<10)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || (line[0] != ';' && line[0] != '(') {
			continue
		}
		parseInfoLine(string(line), info)
	}
	return sc.Err()
}

func parseInfoLine(line string, info *Info) {
	if info.LayerHeight == 0 {
		for _, re := range layerHeightFilters {
			if m := re.FindStringSubmatch(line); m != nil {
				if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 && v < maxLayerHeight {
					info.LayerHeight = v
					return
				}
			}
		}
	}
	if len(info.Filament) == 0 {
		for _, ff := range filamentFilters {
			m := ff.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			for _, s := range number.FindAllString(m[1], -1) {
				if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(v, 0) {
					info.Filament = append(info.Filament, v*ff.scale)
				}
			}
			if len(info.Filament) > 0 {
				return
			}
		}
	}
	if info.GeneratedBy == "" {
		for _, re := range generatedByFilters {
			if m := re.FindStringSubmatch(line); m != nil {
				info.GeneratedBy = strings.TrimSpace(m[1])
				return
			}
		}
	}
	if info.PrintTime == 0 {
		if s := matchSeconds(printTimeFilters, line); s > 0 {
			info.PrintTime = s
			return
		}
	}
	if info.SimulatedTime == 0 {
		if s := matchSeconds(simulatedTimeFilters, line); s > 0 {
			info.SimulatedTime = s
		}
	}
}

// matchSeconds adds up the h, m and s groups of the first matching filter.
func matchSeconds(filters []*regexp.Regexp, line string) int64 {
	for _, re := range filters {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var seconds int64
		for i, name := range re.SubexpNames() {
			v, err := strconv.ParseFloat(m[i], 64)
			if err != nil {
				continue
			}
			switch name {
			case "h":
				seconds += int64(math.Round(v)) * 3600
			case "m":
				seconds += int64(math.Round(v)) * 60
			case "s":
				seconds += int64(math.Round(v))
			}
		}
		if seconds > 0 {
			return seconds
		}
	}
	return 0
}
