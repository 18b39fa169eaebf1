package camera

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// VideoEntry is one recorded segment video.
type VideoEntry struct {
	Filename       string    `json:"filename"`
	Path           string    `json:"path"`
	URL            string    `json:"url"`
	Size           int64     `json:"size"`
	Time           time.Time `json:"time"`
	HasDetections  bool      `json:"has_detections"`
	DetectionCount int       `json:"detection_count"`
}

// DayEntry groups the segments recorded on one date.
type DayEntry struct {
	Date           string       `json:"date"`
	Videos         []VideoEntry `json:"videos"`
	DetectionCount int          `json:"detection_count"`
}

// storedSidecar reads current and older sidecar layouts. Older files lack the unique fields and may lack
// track ids.
type storedSidecar struct {
	Detections       []storedRecord  `json:"detections"`
	UniqueDetections *[]UniqueRecord `json:"unique_detections"`
	UniqueCount      *int            `json:"unique_count"`
}

type storedRecord struct {
	Class        string     `json:"class"`
	Confidence   float64    `json:"confidence"`
	BBox         [4]float64 `json:"bbox"`
	TrackID      *int       `json:"track_id"`
	AbsTimestamp float64    `json:"abs_timestamp"`
	RelTimestamp float64    `json:"rel_timestamp"`
	FrameNumber  int        `json:"frame_number"`
}

func readSidecar(path string) (*storedSidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc storedSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrapf(err, "cannot parse %s", path)
	}
	return &sc, nil
}

func (sc *storedSidecar) count() int {
	if sc.UniqueCount != nil {
		return *sc.UniqueCount
	}
	return len(sc.Detections)
}

// unique returns the per-object records, deriving them from the raw records for older files. Records
// without a track id are keyed by their integer top-left corner.
func (sc *storedSidecar) unique() []UniqueRecord {
	if sc.UniqueDetections != nil {
		return *sc.UniqueDetections
	}
	seen := make(map[string]struct{}, len(sc.Detections))
	out := make([]UniqueRecord, 0)
	for _, d := range sc.Detections {
		key := fmt.Sprintf("%d-%d", int(d.BBox[0]), int(d.BBox[1]))
		trackID := 0
		if d.TrackID != nil {
			trackID = *d.TrackID
			key = fmt.Sprintf("id:%d", trackID)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, UniqueRecord{
			Record: Record{
				Class:        d.Class,
				Confidence:   d.Confidence,
				BBox:         d.BBox,
				TrackID:      trackID,
				AbsTimestamp: d.AbsTimestamp,
				RelTimestamp: d.RelTimestamp,
				FrameNumber:  d.FrameNumber,
			},
			LastTimestamp:    d.AbsTimestamp,
			LastRelTimestamp: d.RelTimestamp,
			LastFrame:        d.FrameNumber,
		})
	}
	return out
}

// History lists the date folders under root, newest first, with their segment videos newest first.
// A missing root is an empty history.
func History(root string) ([]DayEntry, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []DayEntry{}, nil
		}
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	var dates []string
	for _, d := range dirs {
		if d.IsDir() {
			dates = append(dates, d.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	out := make([]DayEntry, 0, len(dates))
	for _, date := range dates {
		day, err := listDay(root, date)
		if err != nil {
			return nil, err
		}
		out = append(out, day)
	}
	return out, nil
}

func listDay(root, date string) (DayEntry, error) {
	day := DayEntry{Date: date, Videos: []VideoEntry{}}
	folder := filepath.Join(root, date)
	files, err := os.ReadDir(folder)
	if err != nil {
		return day, errors.Wrap(ErrIO, err.Error())
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".mp4") {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		entry := VideoEntry{
			Filename: f.Name(),
			Path:     filepath.Join(folder, f.Name()),
			URL:      fmt.Sprintf("/surveillance/%s/%s", date, f.Name()),
			Size:     info.Size(),
			Time:     info.ModTime(),
		}
		sc, err := readSidecar(filepath.Join(folder, strings.TrimSuffix(f.Name(), ".mp4")+".json"))
		if err == nil {
			entry.HasDetections = true
			entry.DetectionCount = sc.count()
			day.DetectionCount += entry.DetectionCount
		} else if !os.IsNotExist(errors.Cause(err)) {
			entry.HasDetections = true
		}
		day.Videos = append(day.Videos, entry)
	}
	sort.SliceStable(day.Videos, func(i, j int) bool { return day.Videos[i].Time.After(day.Videos[j].Time) })
	return day, nil
}

// LoadDetections returns the per-object records of one segment. file may name the video or the sidecar.
func LoadDetections(root, date, file string) ([]UniqueRecord, int, error) {
	if strings.Contains(date, "..") || strings.Contains(file, "..") || filepath.Base(file) != file {
		return nil, 0, errors.Errorf("invalid segment %s/%s", date, file)
	}
	base := strings.TrimSuffix(file, filepath.Ext(file))
	sc, err := readSidecar(filepath.Join(root, date, base+".json"))
	if err != nil {
		return nil, 0, errors.Wrap(ErrIO, err.Error())
	}
	unique := sc.unique()
	if sc.UniqueCount != nil && sc.UniqueDetections != nil {
		return unique, *sc.UniqueCount, nil
	}
	return unique, len(unique), nil
}

// UpgradeSidecars adds unique_detections and unique_count to sidecars written without them and returns the
// number of files rewritten. Unparseable files are skipped.
func UpgradeSidecars(root string) (int, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return 0, errors.Wrap(ErrIO, err.Error())
	}
	upgraded := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		paths, err := filepath.Glob(filepath.Join(root, d.Name(), "*.json"))
		if err != nil {
			return upgraded, err
		}
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var doc map[string]interface{}
			if err := json.Unmarshal(data, &doc); err != nil {
				continue
			}
			if _, ok := doc["unique_detections"]; ok {
				continue
			}
			var sc storedSidecar
			if err := json.Unmarshal(data, &sc); err != nil {
				continue
			}
			unique := sc.unique()
			doc["unique_detections"] = unique
			doc["unique_count"] = len(unique)
			if err := writeJSON(path, doc); err != nil {
				return upgraded, err
			}
			upgraded++
		}
	}
	return upgraded, nil
}
