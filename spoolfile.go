package auditspool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QuarantineSuffix is appended to the name of a spool file that could not be
// turned into an audit record.
const QuarantineSuffix = ".failed"

var (
	// ErrNotReady is returned by Read for a spool file that is still being
	// written: it is empty or its last line has no terminating newline.
	ErrNotReady = errors.New("auditspool: spool file not ready")
	// ErrSpoolIO wraps every file system failure while writing spool files.
	ErrSpoolIO = errors.New("auditspool: spool i/o")
)

// SpoolFile names one file in a destination's spool directory.
type SpoolFile struct {
	Dir  string `json:"dir"`
	Name string `json:"name"`
}

// Path returns the file's full path.
func (f SpoolFile) Path() string { return filepath.Join(f.Dir, f.Name) }

// EventCode returns the event type code encoded as the file name prefix.
func (f SpoolFile) EventCode() string {
	name := strings.TrimSuffix(f.Name, QuarantineSuffix)
	if i := strings.IndexByte(name, '-'); i >= 0 {
		return name[:i]
	}
	return name
}

// Quarantined reports whether the file has been set aside as poison.
func (f SpoolFile) Quarantined() bool { return strings.HasSuffix(f.Name, QuarantineSuffix) }

func (f SpoolFile) String() string { return f.Path() }

// maxKeyLen bounds aggregation file names well below common NAME_MAX limits.
const maxKeyLen = 200

var aggregationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:auditspool:aggregation"))

// AggregationKey builds the deterministic file name shared by all events of
// one aggregation group. Bytes that are unsafe in file names, the '-'
// separator and '%' are percent-encoded, so distinct groups never share a
// key. Keys longer than maxKeyLen are replaced by the event code and a
// name-based UUID of the full key.
func AggregationKey(eventCode, callingPrincipal, calledPrincipal, subjectID string) string {
	key := strings.Join([]string{
		eventCode,
		escapeNameComponent(callingPrincipal),
		escapeNameComponent(calledPrincipal),
		escapeNameComponent(subjectID),
	}, "-")
	if len(key) <= maxKeyLen {
		return key
	}
	return eventCode + "-" + uuid.NewSHA1(aggregationNamespace, []byte(key)).String()
}

func escapeNameComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c < 0x20, c == 0x7f, strings.IndexByte(`%-|/\:*?"<> `, c) >= 0:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// CreateHeader creates a new uniquely named spool file in dir and writes the
// header record to it. The directory is created if necessary.
func CreateHeader(dir, eventCode string, header Record) (SpoolFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SpoolFile{}, fmt.Errorf("%w: create spool directory %s: %v", ErrSpoolIO, dir, err)
	}
	fh, err := os.CreateTemp(dir, eventCode+"-*")
	if err != nil {
		return SpoolFile{}, fmt.Errorf("%w: create spool file in %s: %v", ErrSpoolIO, dir, err)
	}
	f := SpoolFile{Dir: dir, Name: filepath.Base(fh.Name())}
	if err := writeRecords(fh, header); err != nil {
		fh.Close()
		return f, fmt.Errorf("%w: write header to %s: %v", ErrSpoolIO, f, err)
	}
	if err := fh.Close(); err != nil {
		return f, fmt.Errorf("%w: close %s: %v", ErrSpoolIO, f, err)
	}
	return f, nil
}

// AppendDetail appends one record to f. Each call opens, writes and closes
// the file independently.
func AppendDetail(f SpoolFile, rec Record) error {
	return appendRecords(f, rec)
}

func appendRecords(f SpoolFile, recs ...Record) error {
	fh, err := os.OpenFile(f.Path(), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s for append: %v", ErrSpoolIO, f, err)
	}
	if err := writeRecords(fh, recs...); err != nil {
		fh.Close()
		return fmt.Errorf("%w: append to %s: %v", ErrSpoolIO, f, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrSpoolIO, f, err)
	}
	return nil
}

// OpenForAggregation creates the aggregation file named key in dir. If the
// file already exists it is left untouched and isNew is false; only the
// creator may write the header.
func OpenForAggregation(dir, key string) (f SpoolFile, isNew bool, err error) {
	fh, f, isNew, err := createExclusive(dir, key)
	if err != nil || !isNew {
		return f, isNew, err
	}
	if err := fh.Close(); err != nil {
		return f, true, fmt.Errorf("%w: close %s: %v", ErrSpoolIO, f, err)
	}
	return f, true, nil
}

// WriteHeader writes the header of an aggregation file created by
// OpenForAggregation.
func WriteHeader(f SpoolFile, header Record) error {
	return appendRecords(f, header)
}

// aggregate adds records to the aggregation file key. A new file receives
// the header and the details through the creating handle in one write; an
// existing one receives only the details. The creating handle appends, so a
// detail another process adds between create and write is never overwritten.
func aggregate(dir, key string, header Record, details []Record) (SpoolFile, bool, error) {
	fh, f, isNew, err := createExclusive(dir, key)
	if err != nil {
		return f, false, err
	}
	if !isNew {
		if len(details) == 0 {
			return f, false, nil
		}
		return f, false, appendRecords(f, details...)
	}
	recs := append([]Record{header}, details...)
	if err := writeRecords(fh, recs...); err != nil {
		fh.Close()
		return f, true, fmt.Errorf("%w: write %s: %v", ErrSpoolIO, f, err)
	}
	if err := fh.Close(); err != nil {
		return f, true, fmt.Errorf("%w: close %s: %v", ErrSpoolIO, f, err)
	}
	return f, true, nil
}

func createExclusive(dir, key string) (*os.File, SpoolFile, bool, error) {
	f := SpoolFile{Dir: dir, Name: key}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, f, false, fmt.Errorf("%w: create spool directory %s: %v", ErrSpoolIO, dir, err)
	}
	fh, err := os.OpenFile(f.Path(), os.O_WRONLY|os.O_APPEND|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, f, false, nil
	}
	if err != nil {
		return nil, f, false, fmt.Errorf("%w: create %s: %v", ErrSpoolIO, f, err)
	}
	return fh, f, true, nil
}

func writeRecords(fh *os.File, recs ...Record) error {
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(EncodeRecord(r))
		b.WriteByte('\n')
	}
	_, err := fh.WriteString(b.String())
	return err
}

// Read returns the header and the detail records of f.
//
// A file that is empty or whose last line is not terminated is reported with
// ErrNotReady. A line that cannot be decoded yields an error wrapping
// ErrCorruptRecord. A missing file yields an error matching fs.ErrNotExist.
func Read(f SpoolFile) (Record, []Record, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		return Record{}, nil, err
	}
	if len(data) == 0 {
		return Record{}, nil, fmt.Errorf("%w: %s is empty", ErrNotReady, f)
	}
	if data[len(data)-1] != '\n' {
		return Record{}, nil, fmt.Errorf("%w: %s has a partial last line", ErrNotReady, f)
	}
	lines := strings.Split(string(data[:len(data)-1]), "\n")
	recs := make([]Record, 0, len(lines))
	for i, line := range lines {
		rec, err := DecodeRecord(line)
		if err != nil {
			return Record{}, nil, fmt.Errorf("%s line %d: %w", f, i+1, err)
		}
		recs = append(recs, rec)
	}
	return recs[0], recs[1:], nil
}

// ModTime returns the last modification time of f, which is used as the
// audited event's time.
func ModTime(f SpoolFile) (time.Time, error) {
	fi, err := os.Stat(f.Path())
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Retire deletes f after its record was delivered. Deleting a file that is
// already gone succeeds. If the file cannot be deleted it is quarantined so
// that it is not delivered again.
func Retire(f SpoolFile) error {
	err := os.Remove(f.Path())
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if qerr := Quarantine(f); qerr != nil {
		return fmt.Errorf("%w: delete %s: %v; quarantine: %v", ErrSpoolIO, f, err, qerr)
	}
	return nil
}

// Quarantine renames f to its name plus QuarantineSuffix. A file that no
// longer exists is not an error. An existing quarantined file of the same
// name is never overwritten.
func Quarantine(f SpoolFile) error {
	if f.Quarantined() {
		return nil
	}
	target := f.Path() + QuarantineSuffix
	if _, err := os.Lstat(target); err == nil {
		target = f.Path() + "-" + strconv.FormatInt(time.Now().UnixNano(), 36) + QuarantineSuffix
	}
	err := os.Rename(f.Path(), target)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%w: quarantine %s: %v", ErrSpoolIO, f, err)
}

// Requeue moves a quarantined file back into the live spool so that the next
// processing pass picks it up again. It returns the live file.
func Requeue(f SpoolFile) (SpoolFile, error) {
	if !f.Quarantined() {
		return f, nil
	}
	live := SpoolFile{Dir: f.Dir, Name: strings.TrimSuffix(f.Name, QuarantineSuffix)}
	if _, err := os.Lstat(live.Path()); err == nil {
		live.Name += "-requeued-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if err := os.Rename(f.Path(), live.Path()); err != nil {
		return f, fmt.Errorf("%w: requeue %s: %v", ErrSpoolIO, f, err)
	}
	return live, nil
}

// ScanDir lists the live spool files in dir whose last modification is at
// least minAge old, oldest first. A missing directory yields no files.
func ScanDir(dir string, minAge time.Duration) ([]SpoolFile, error) {
	return scan(dir, func(name string, mod time.Time, now time.Time) bool {
		return !strings.HasSuffix(name, QuarantineSuffix) && now.Sub(mod) >= minAge
	})
}

// ScanQuarantined lists the quarantined files in dir, oldest first.
func ScanQuarantined(dir string) ([]SpoolFile, error) {
	return scan(dir, func(name string, _, _ time.Time) bool {
		return strings.HasSuffix(name, QuarantineSuffix)
	})
}

func scan(dir string, keep func(name string, mod, now time.Time) bool) ([]SpoolFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrSpoolIO, dir, err)
	}
	type entry struct {
		f   SpoolFile
		mod time.Time
	}
	now := time.Now()
	var found []entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed since ReadDir
		}
		if !info.Mode().IsRegular() || !keep(name, info.ModTime(), now) {
			continue
		}
		found = append(found, entry{f: SpoolFile{Dir: dir, Name: name}, mod: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].mod.Equal(found[j].mod) {
			return found[i].mod.Before(found[j].mod)
		}
		return found[i].f.Name < found[j].f.Name
	})
	files := make([]SpoolFile, len(found))
	for i, e := range found {
		files[i] = e.f
	}
	return files, nil
}
