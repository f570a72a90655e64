package catalog

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

const (
	partsDir      = "parts"
	detachedDir   = "detached"
	dataFile      = "data.bin"
	checksumsFile = "checksums.txt"
	tmpPrefix     = "tmp_"
	// BrokenPrefix marks detached parts that failed to load.
	BrokenPrefix = "broken_"
	// UnexpectedPrefix marks detached parts nobody expected to be here.
	UnexpectedPrefix = "unexpected_"
)

// Part is an immutable data part on disk.
type Part struct {
	Info   models.PartInfo
	Name   string
	Path   string
	Header models.PartHeader
	// ModTime is when the part became active locally.
	ModTime time.Time
}

type outdatedPart struct {
	part  *Part
	since time.Time
}

// Directory is the local part set of one replica: active parts, parts
// outdated by merges or drops but still on disk, and detached parts.
type Directory struct {
	sync.RWMutex

	root     string
	active   *models.ActivePartSet
	parts    map[string]*Part
	outdated map[string]outdatedPart

	// partitionLocks serializes commits within a partition.
	partitionLocks sync.Map
	tmpCounter     int64
}

// NewDirectory loads the parts under rootPath, creating the layout when
// missing. Leftover temporary parts are removed, parts without a readable
// checksums file are detached as broken.
func NewDirectory(rootPath string) (*Directory, error) {
	d := &Directory{
		root:     filepath.Clean(rootPath),
		active:   &models.ActivePartSet{},
		parts:    map[string]*Part{},
		outdated: map[string]outdatedPart{},
	}
	for _, dir := range []string{d.partsPath(), d.detachedPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) Root() string {
	return d.root
}

func (d *Directory) partsPath() string    { return filepath.Join(d.root, partsDir) }
func (d *Directory) detachedPath() string { return filepath.Join(d.root, detachedDir) }

func (d *Directory) load() error {
	entries, err := os.ReadDir(d.partsPath())
	if err != nil {
		return errors.Wrapf(err, "read dir %s", d.partsPath())
	}
	var loaded []*Part
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		dir := filepath.Join(d.partsPath(), name)
		if strings.HasPrefix(name, tmpPrefix) {
			log.Info("removing temporary part directory %s", dir)
			if err := os.RemoveAll(dir); err != nil {
				return errors.Wrapf(err, "remove %s", dir)
			}
			continue
		}
		info, err := models.ParsePartName(name)
		if err != nil {
			log.Warn("ignoring directory %s in parts: %v", dir, err)
			continue
		}
		header, err := readHeader(dir)
		if err != nil {
			log.Error("part %s is broken, detaching: %v", name, err)
			if err := os.Rename(dir, filepath.Join(d.detachedPath(), BrokenPrefix+name)); err != nil {
				return errors.Wrapf(err, "detach broken part %s", name)
			}
			continue
		}
		st, err := os.Stat(dir)
		if err != nil {
			return errors.Wrapf(err, "stat %s", dir)
		}
		loaded = append(loaded, &Part{Info: info, Name: name, Path: dir, Header: header, ModTime: st.ModTime()})
	}

	// containing parts first so covered ones end up outdated
	sort.Slice(loaded, func(i, j int) bool {
		a, b := loaded[i].Info, loaded[j].Info
		if wa, wb := a.MaxBlock-a.MinBlock, b.MaxBlock-b.MinBlock; wa != wb {
			return wa > wb
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.Mutation > b.Mutation
	})
	for _, p := range loaded {
		replaced, added := d.active.Add(p.Info)
		for _, r := range replaced {
			d.outdate(r.Name(), time.Now())
		}
		if added {
			d.parts[p.Name] = p
		} else {
			d.outdated[p.Name] = outdatedPart{part: p, since: p.ModTime}
		}
	}
	return nil
}

func (d *Directory) outdate(name string, now time.Time) {
	if p, ok := d.parts[name]; ok {
		delete(d.parts, name)
		d.outdated[name] = outdatedPart{part: p, since: now}
	}
}

// PartitionLock returns the commit lock of partition.
func (d *Directory) PartitionLock(partition string) *sync.Mutex {
	mu, _ := d.partitionLocks.LoadOrStore(partition, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Parts returns the active parts in block order.
func (d *Directory) Parts() []*Part {
	d.RLock()
	defer d.RUnlock()
	out := make([]*Part, 0, d.active.Size())
	for _, info := range d.active.Parts() {
		out = append(out, d.parts[info.Name()])
	}
	return out
}

// PartNames returns the names of active parts in block order.
func (d *Directory) PartNames() []string {
	d.RLock()
	defer d.RUnlock()
	return d.active.Names()
}

// Part returns the active part named name.
func (d *Directory) Part(name string) (*Part, error) {
	d.RLock()
	defer d.RUnlock()
	p, ok := d.parts[name]
	if !ok {
		return nil, PartNotFound(name)
	}
	return p, nil
}

func (d *Directory) Has(name string) bool {
	d.RLock()
	defer d.RUnlock()
	_, ok := d.parts[name]
	return ok
}

// ContainingPart returns the active part containing name.
func (d *Directory) ContainingPart(name string) (*Part, bool) {
	info, err := models.ParsePartName(name)
	if err != nil {
		return nil, false
	}
	d.RLock()
	defer d.RUnlock()
	c, ok := d.active.ContainingPart(info)
	if !ok {
		return nil, false
	}
	return d.parts[c.Name()], true
}

// PartsInRange returns the active parts contained in r.
func (d *Directory) PartsInRange(r models.PartInfo) []*Part {
	d.RLock()
	defer d.RUnlock()
	var out []*Part
	for _, info := range d.active.PartsInRange(r) {
		out = append(out, d.parts[info.Name()])
	}
	return out
}

// PartsInPartition returns the active parts of partition in block order.
func (d *Directory) PartsInPartition(partition string) []*Part {
	d.RLock()
	defer d.RUnlock()
	var out []*Part
	for _, info := range d.active.PartsInPartition(partition) {
		out = append(out, d.parts[info.Name()])
	}
	return out
}

// Partitions lists partitions with at least one active part.
func (d *Directory) Partitions() []string {
	d.RLock()
	defer d.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, info := range d.active.Parts() {
		if _, ok := seen[info.Partition]; !ok {
			seen[info.Partition] = struct{}{}
			out = append(out, info.Partition)
		}
	}
	return out
}

// Open returns a reader over the payload of an active or outdated part.
// Outdated parts stay readable until ClearOutdated removes them.
func (d *Directory) Open(name string) (io.ReadCloser, *Part, error) {
	d.RLock()
	p, ok := d.parts[name]
	if !ok {
		var o outdatedPart
		if o, ok = d.outdated[name]; ok {
			p = o.part
		}
	}
	d.RUnlock()
	if !ok {
		return nil, nil, PartNotFound(name)
	}
	f, err := os.Open(filepath.Join(p.Path, dataFile))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open part %s", name)
	}
	return f, p, nil
}

// ReadAll returns the whole payload of an active part.
func (d *Directory) ReadAll(name string) ([]byte, error) {
	r, _, err := d.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// VerifyChecksum rehashes the payload of an active part.
func (d *Directory) VerifyChecksum(name string) error {
	p, err := d.Part(name)
	if err != nil {
		return err
	}
	sum, _, _, err := hashFile(filepath.Join(p.Path, dataFile))
	if err != nil {
		return err
	}
	if sum != p.Header.Checksum {
		return &ErrChecksumMismatch{Part: name, Expected: p.Header.Checksum, Actual: sum}
	}
	return nil
}

// TempPart is a part being written. It is invisible until committed.
type TempPart struct {
	dir      *Directory
	Info     models.PartInfo
	Name     string
	path     string
	file     *os.File
	hash     hash.Hash
	size     int64
	rows     int64
	finished bool
	header   models.PartHeader
}

// NewTempPart starts writing the part name into a temporary directory.
func (d *Directory) NewTempPart(name string) (*TempPart, error) {
	info, err := models.ParsePartName(name)
	if err != nil {
		return nil, err
	}
	n := atomic.AddInt64(&d.tmpCounter, 1)
	dir := filepath.Join(d.partsPath(), fmt.Sprintf("%s%s_%d", tmpPrefix, name, n))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, UnableToCreatePart(name)
	}
	f, err := os.Create(filepath.Join(dir, dataFile))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "create data file of %s", name)
	}
	return &TempPart{dir: d, Info: info, Name: name, path: dir, file: f, hash: md5.New()}, nil
}

func (t *TempPart) Write(p []byte) (int, error) {
	n, err := t.file.Write(p)
	t.hash.Write(p[:n])
	t.size += int64(n)
	t.rows += int64(bytes.Count(p[:n], []byte{'\n'}))
	return n, err
}

// Finish flushes the payload and writes the checksums file. It is called
// implicitly by the commit methods.
func (t *TempPart) Finish() (models.PartHeader, error) {
	if t.finished {
		return t.header, nil
	}
	if err := t.file.Sync(); err != nil {
		return models.PartHeader{}, errors.Wrapf(err, "sync %s", t.Name)
	}
	if err := t.file.Close(); err != nil {
		return models.PartHeader{}, errors.Wrapf(err, "close %s", t.Name)
	}
	t.header = models.PartHeader{Checksum: hex.EncodeToString(t.hash.Sum(nil)), Size: t.size, Rows: t.rows}
	if err := writeHeader(t.path, t.header); err != nil {
		return models.PartHeader{}, err
	}
	t.finished = true
	return t.header, nil
}

// Header is valid after Finish.
func (t *TempPart) Header() models.PartHeader {
	return t.header
}

// Discard removes the temporary directory.
func (t *TempPart) Discard() {
	if !t.finished {
		_ = t.file.Close()
	}
	_ = os.RemoveAll(t.path)
}

func (t *TempPart) rename(target string) error {
	if _, err := t.Finish(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(t.path, target), "rename %s", t.Name)
}

// Commit atomically makes the part active. Active parts it covers become
// outdated and are returned. Committing a part that an active part already
// contains fails with PartAlreadyExists and leaves the temp part in place.
func (t *TempPart) Commit() ([]*Part, error) {
	d := t.dir
	d.Lock()
	defer d.Unlock()
	return d.commitLocked(t, time.Now())
}

func (d *Directory) commitLocked(t *TempPart, now time.Time) ([]*Part, error) {
	if _, ok := d.active.ContainingPart(t.Info); ok {
		return nil, PartAlreadyExists(t.Name)
	}
	for _, p := range d.active.Parts() {
		if p.Intersects(t.Info) && !t.Info.Contains(p) {
			return nil, PartIntersects(t.Name)
		}
	}
	target := filepath.Join(d.partsPath(), t.Name)
	if o, ok := d.outdated[t.Name]; ok {
		// the same part was outdated earlier (e.g. dropped then fetched again)
		_ = os.RemoveAll(o.part.Path)
		delete(d.outdated, t.Name)
	}
	if err := t.rename(target); err != nil {
		return nil, err
	}
	part := &Part{Info: t.Info, Name: t.Name, Path: target, Header: t.header, ModTime: now}
	replaced, _ := d.active.Add(t.Info)
	var out []*Part
	for _, r := range replaced {
		out = append(out, d.parts[r.Name()])
		d.outdate(r.Name(), now)
	}
	d.parts[t.Name] = part
	return out, nil
}

// CommitDetached moves the finished part into detached/ under its name.
func (t *TempPart) CommitDetached() error {
	target := filepath.Join(t.dir.detachedPath(), t.Name)
	if _, err := os.Stat(target); err == nil {
		return PartAlreadyExists(t.Name)
	}
	return t.rename(target)
}

// CommitReplace outdates every active part inside dropRange and commits
// parts, all under one lock acquisition.
func (d *Directory) CommitReplace(dropRange models.PartInfo, parts []*TempPart) ([]*Part, error) {
	for _, t := range parts {
		if _, err := t.Finish(); err != nil {
			return nil, err
		}
	}
	d.Lock()
	defer d.Unlock()

	after, err := models.NewActivePartSet(d.active.Names()...)
	if err != nil {
		return nil, err
	}
	for _, info := range after.PartsInRange(dropRange) {
		after.Remove(info)
	}
	for _, t := range parts {
		if _, ok := after.ContainingPart(t.Info); ok {
			return nil, PartAlreadyExists(t.Name)
		}
		after.Add(t.Info)
	}

	now := time.Now()
	var removed []*Part
	for _, info := range d.active.PartsInRange(dropRange) {
		removed = append(removed, d.parts[info.Name()])
		d.active.Remove(info)
		d.outdate(info.Name(), now)
	}
	for _, t := range parts {
		replaced, err := d.commitLocked(t, now)
		if err != nil {
			return removed, err
		}
		removed = append(removed, replaced...)
	}
	return removed, nil
}

// ReplaceInPlace swaps the payload of an active part with t, which must
// have the same name.
func (d *Directory) ReplaceInPlace(t *TempPart) error {
	if _, err := t.Finish(); err != nil {
		return err
	}
	d.Lock()
	defer d.Unlock()
	old, ok := d.parts[t.Name]
	if !ok {
		return PartNotFound(t.Name)
	}
	n := atomic.AddInt64(&d.tmpCounter, 1)
	trash := filepath.Join(d.partsPath(), fmt.Sprintf("%sold_%s_%d", tmpPrefix, t.Name, n))
	if err := os.Rename(old.Path, trash); err != nil {
		return errors.Wrapf(err, "move aside %s", t.Name)
	}
	if err := t.rename(old.Path); err != nil {
		_ = os.Rename(trash, old.Path)
		return err
	}
	_ = os.RemoveAll(trash)
	d.parts[t.Name] = &Part{Info: old.Info, Name: old.Name, Path: old.Path, Header: t.header, ModTime: time.Now()}
	return nil
}

// Remove outdates the active part name.
func (d *Directory) Remove(name string) error {
	d.Lock()
	defer d.Unlock()
	p, ok := d.parts[name]
	if !ok {
		return PartNotFound(name)
	}
	d.active.Remove(p.Info)
	d.outdate(name, time.Now())
	return nil
}

// RemoveRange outdates every active part contained in r.
func (d *Directory) RemoveRange(r models.PartInfo) []*Part {
	d.Lock()
	defer d.Unlock()
	now := time.Now()
	var out []*Part
	for _, info := range d.active.PartsInRange(r) {
		out = append(out, d.parts[info.Name()])
		d.active.Remove(info)
		d.outdate(info.Name(), now)
	}
	return out
}

// Detach moves an active part into detached/<prefix><name>.
func (d *Directory) Detach(name, prefix string) error {
	d.Lock()
	defer d.Unlock()
	p, ok := d.parts[name]
	if !ok {
		return PartNotFound(name)
	}
	target := filepath.Join(d.detachedPath(), prefix+name)
	if _, err := os.Stat(target); err == nil {
		n := atomic.AddInt64(&d.tmpCounter, 1)
		target = fmt.Sprintf("%s_try%d", target, n)
	}
	if err := os.Rename(p.Path, target); err != nil {
		return errors.Wrapf(err, "detach %s", name)
	}
	d.active.Remove(p.Info)
	delete(d.parts, name)
	return nil
}

// Detached lists the directory names under detached/.
func (d *Directory) Detached() ([]string, error) {
	entries, err := os.ReadDir(d.detachedPath())
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", d.detachedPath())
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadDetached returns the payload and header of a detached part.
func (d *Directory) ReadDetached(name string) ([]byte, models.PartHeader, error) {
	dir := filepath.Join(d.detachedPath(), name)
	header, err := readHeader(dir)
	if err != nil {
		return nil, models.PartHeader{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, dataFile))
	if err != nil {
		return nil, models.PartHeader{}, errors.Wrapf(err, "read detached part %s", name)
	}
	return data, header, nil
}

// RemoveDetached deletes a detached part.
func (d *Directory) RemoveDetached(name string) error {
	return os.RemoveAll(filepath.Join(d.detachedPath(), name))
}

// OutdatedParts returns the names of outdated parts still on disk.
func (d *Directory) OutdatedParts() []string {
	d.RLock()
	defer d.RUnlock()
	out := make([]string, 0, len(d.outdated))
	for name := range d.outdated {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ClearOutdated deletes outdated parts older than age and returns their names.
func (d *Directory) ClearOutdated(age time.Duration) ([]string, error) {
	d.Lock()
	defer d.Unlock()
	cutoff := time.Now().Add(-age)
	var removed []string
	for name, o := range d.outdated {
		if o.since.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(o.part.Path); err != nil {
			return removed, errors.Wrapf(err, "remove outdated part %s", name)
		}
		delete(d.outdated, name)
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed, nil
}

// TotalBytes sums the payload sizes of active parts.
func (d *Directory) TotalBytes() int64 {
	d.RLock()
	defer d.RUnlock()
	var total int64
	for _, p := range d.parts {
		total += p.Header.Size
	}
	return total
}

func writeHeader(dir string, h models.PartHeader) error {
	content := fmt.Sprintf("checksum %s\nsize %d\nrows %d\n", h.Checksum, h.Size, h.Rows)
	return errors.Wrap(os.WriteFile(filepath.Join(dir, checksumsFile), []byte(content), 0o644), "write checksums")
}

func readHeader(dir string) (models.PartHeader, error) {
	f, err := os.Open(filepath.Join(dir, checksumsFile))
	if err != nil {
		return models.PartHeader{}, errors.Wrap(err, "open checksums")
	}
	defer f.Close()

	var h models.PartHeader
	seen := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			return h, BadChecksumsFile(dir)
		}
		switch fields[0] {
		case "checksum":
			h.Checksum = fields[1]
		case "size":
			if h.Size, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
				return h, BadChecksumsFile(dir)
			}
		case "rows":
			if h.Rows, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
				return h, BadChecksumsFile(dir)
			}
		default:
			return h, BadChecksumsFile(dir)
		}
		seen++
	}
	if err := sc.Err(); err != nil {
		return h, errors.Wrap(err, "read checksums")
	}
	if seen != 3 {
		return h, BadChecksumsFile(dir)
	}
	return h, nil
}

func hashFile(p string) (sum string, size, rows int64, err error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "open %s", p)
	}
	defer f.Close()
	h := md5.New()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		h.Write(buf[:n])
		size += int64(n)
		rows += int64(bytes.Count(buf[:n], []byte{'\n'}))
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", 0, 0, errors.Wrapf(rerr, "read %s", p)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), size, rows, nil
}

// Checksum returns the checksum of payload the way parts record it.
func Checksum(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}
