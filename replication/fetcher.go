package replication

import (
	"context"
	"io"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

const maxCommitAttempts = 5

// FetchResult describes a FetchPart call. Fetched is false when another
// fetch of the same part was already running and nothing was done.
type FetchResult struct {
	Fetched  bool
	PartName string
	Donor    string
}

// donor is a replica registered as holding part.
type donor struct {
	replicaPath string
	part        string
	header      models.PartHeader
}

type fetcher struct {
	r *Replica

	mu       sync.Mutex
	inFlight map[string]struct{}
	sem      chan struct{}
}

func newFetcher(r *Replica) *fetcher {
	f := &fetcher{r: r, inFlight: map[string]struct{}{}}
	if n := r.settings.MaxParallelFetchesForTable; n > 0 {
		f.sem = make(chan struct{}, n)
	}
	return f
}

func (f *fetcher) begin(part string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inFlight[part]; ok {
		return false
	}
	f.inFlight[part] = struct{}{}
	return true
}

func (f *fetcher) end(part string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, part)
}

// FetchPart downloads part, or a part covering it, from an active replica
// of the table at tablePath (this table when empty). The download is
// verified against the donor's registered checksum. Unless toDetached, the
// part is registered for this replica and committed; with quorum the
// quorum record of part is confirmed in the same transaction.
func (f *fetcher) FetchPart(ctx context.Context, zk coordination.Client, part, tablePath string, toDetached, quorum bool,
) (FetchResult, error) {
	if !f.begin(part) {
		return FetchResult{PartName: part}, nil
	}
	defer f.end(part)

	if tablePath == "" {
		tablePath = f.r.paths.table
	}
	donors, err := f.findDonors(ctx, zk, tablePath, part, !toDetached)
	if err != nil {
		return FetchResult{}, err
	}
	if len(donors) == 0 {
		return FetchResult{}, errors.Wrapf(ErrDonorUnavailable, "part %s", part)
	}

	tmp, d, err := f.downloadFrom(ctx, zk, donors, "", "")
	if err != nil {
		return FetchResult{}, err
	}
	res := FetchResult{Fetched: true, PartName: d.part, Donor: d.replicaPath}

	if toDetached {
		if err := tmp.CommitDetached(); err != nil {
			tmp.Discard()
			return FetchResult{}, err
		}
		log.Info("%sfetched %s from %s into detached", f.r.prefix, d.part, d.replicaPath)
		return res, nil
	}

	var extra func(ctx context.Context, zk coordination.Client) ([]coordination.Op, error)
	if quorum {
		extra = func(ctx context.Context, zk coordination.Client) ([]coordination.Op, error) {
			return f.r.quorum.UpdateOps(ctx, zk, part)
		}
	}
	if err := f.r.commitPart(ctx, zk, tmp, extra); err != nil {
		return FetchResult{}, err
	}
	log.Info("%sfetched %s from %s", f.r.prefix, d.part, d.replicaPath)
	return res, nil
}

// findDonors lists the active replicas of tablePath holding part, in
// random order, followed by those holding a covering part, widest first.
func (f *fetcher) findDonors(ctx context.Context, zk coordination.Client, tablePath, part string, allowCovering bool,
) ([]donor, error) {
	info, err := models.ParsePartName(part)
	if err != nil {
		return nil, err
	}
	replicas, err := zk.Children(ctx, tablePath+"/replicas")
	if err != nil {
		return nil, errors.Wrap(classify(err), "list replicas")
	}
	var exact, covering []donor
	var coveringInfo []models.PartInfo
	for _, name := range replicas {
		replicaPath := tablePath + "/replicas/" + name
		if replicaPath == f.r.paths.replica {
			continue
		}
		active, _, err := zk.Exists(ctx, replicaPath+"/is_active")
		if err != nil {
			return nil, errors.Wrap(classify(err), "check replica activity")
		}
		if !active {
			continue
		}
		if d, ok, err := f.registration(ctx, zk, replicaPath, part); err != nil {
			return nil, err
		} else if ok {
			exact = append(exact, d)
			continue
		}
		if !allowCovering {
			continue
		}
		names, err := zk.Children(ctx, replicaPath+"/parts")
		if err != nil {
			if errors.Is(err, coordination.ErrNoNode) {
				continue
			}
			return nil, errors.Wrap(classify(err), "list replica parts")
		}
		for _, n := range names {
			ni, err := models.ParsePartName(n)
			if err != nil || !ni.Covers(info) {
				continue
			}
			d, ok, err := f.registration(ctx, zk, replicaPath, n)
			if err != nil {
				return nil, err
			}
			if ok {
				covering = append(covering, d)
				coveringInfo = append(coveringInfo, ni)
			}
		}
	}
	rand.Shuffle(len(exact), func(i, j int) { exact[i], exact[j] = exact[j], exact[i] })
	idx := make([]int, len(covering))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := coveringInfo[idx[a]], coveringInfo[idx[b]]
		return pa.MaxBlock-pa.MinBlock > pb.MaxBlock-pb.MinBlock
	})
	for _, i := range idx {
		exact = append(exact, covering[i])
	}
	return exact, nil
}

func (f *fetcher) registration(ctx context.Context, zk coordination.Client, replicaPath, part string,
) (donor, bool, error) {
	data, _, err := zk.Get(ctx, replicaPart(replicaPath, part))
	if errors.Is(err, coordination.ErrNoNode) {
		return donor{}, false, nil
	}
	if err != nil {
		return donor{}, false, errors.Wrap(classify(err), "read part registration")
	}
	d := donor{replicaPath: replicaPath, part: part}
	if len(data) > 0 {
		if err := models.Decode(data, &d.header); err != nil {
			return donor{}, false, errors.Wrapf(err, "decode registration of %s", part)
		}
	}
	return d, true, nil
}

// downloadFrom tries donors in order until one delivers a verified
// payload. The payload is written as targetName, or under the donor's part
// name when targetName is empty. expected overrides the donor's registered
// checksum.
func (f *fetcher) downloadFrom(ctx context.Context, zk coordination.Client, donors []donor, targetName, expected string,
) (*catalog.TempPart, donor, error) {
	if f.sem != nil {
		select {
		case f.sem <- struct{}{}:
			defer func() { <-f.sem }()
		case <-ctx.Done():
			return nil, donor{}, errors.Wrap(ErrAborted, ctx.Err().Error())
		}
	}
	gauge := metrics.FetchesInFlight.WithLabelValues(f.r.cfg.ReplicaName)
	gauge.Inc()
	defer gauge.Dec()

	var lastErr error
	for _, d := range donors {
		if err := ctx.Err(); err != nil {
			return nil, donor{}, errors.Wrap(ErrAborted, err.Error())
		}
		tmp, err := f.downloadOne(ctx, zk, d, targetName, expected)
		if err == nil {
			return tmp, d, nil
		}
		metrics.FetchFailures.WithLabelValues(f.r.cfg.ReplicaName).Inc()
		var mismatch *ChecksumMismatchError
		if errors.As(err, &mismatch) {
			metrics.ChecksumMismatches.WithLabelValues(f.r.cfg.ReplicaName).Inc()
			log.Error("%s%v", f.r.prefix, mismatch)
		} else {
			log.Warn("%sfetch %s from %s: %v", f.r.prefix, d.part, d.replicaPath, err)
		}
		lastErr = err
	}
	if lastErr != nil && errors.Is(lastErr, ErrChecksumMismatch) {
		return nil, donor{}, lastErr
	}
	return nil, donor{}, errors.Wrapf(ErrDonorUnavailable, "no donor could serve %s: %v", donors[0].part, lastErr)
}

func (f *fetcher) downloadOne(ctx context.Context, zk coordination.Client, d donor, targetName, expected string,
) (*catalog.TempPart, error) {
	data, _, err := zk.Get(ctx, d.replicaPath+"/host")
	if err != nil {
		return nil, errors.Wrap(classify(err), "read donor address")
	}
	addr := models.ReplicaAddress{}
	if err := models.Decode(data, &addr); err != nil {
		return nil, errors.Wrap(err, "decode donor address")
	}

	// a started download finishes even if the session ends meanwhile
	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.r.settings.FetchTimeout)
	defer cancel()
	dl, err := f.r.client.FetchPart(dlCtx, addr, d.part)
	if err != nil {
		if errors.Is(err, exchange.ErrPartNotFound) || errors.Is(err, exchange.ErrDonorBusy) {
			return nil, errors.Wrap(ErrDonorUnavailable, err.Error())
		}
		return nil, err
	}
	defer dl.Body.Close()

	if targetName == "" {
		targetName = d.part
	}
	tmp, err := f.r.parts.NewTempPart(targetName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(tmp, dl.Body); err != nil {
		tmp.Discard()
		return nil, errors.Wrapf(err, "download %s", d.part)
	}
	header, err := tmp.Finish()
	if err != nil {
		tmp.Discard()
		return nil, err
	}

	want := expected
	if want == "" {
		want = d.header.Checksum
	}
	if want == "" {
		want = dl.Header.Checksum
	}
	if header.Checksum != want {
		tmp.Discard()
		return nil, &ChecksumMismatchError{Part: d.part, Donor: d.replicaPath, Expected: want, Actual: header.Checksum}
	}
	return tmp, nil
}

// registeredHeader returns a header some other replica registered for
// part.
func (f *fetcher) registeredHeader(ctx context.Context, zk coordination.Client, part string,
) (string, models.PartHeader, bool) {
	replicas, err := zk.Children(ctx, f.r.paths.replicas())
	if err != nil {
		return "", models.PartHeader{}, false
	}
	for _, name := range replicas {
		if name == f.r.cfg.ReplicaName {
			continue
		}
		d, ok, err := f.registration(ctx, zk, f.r.paths.replicaOf(name), part)
		if err == nil && ok && d.header.Checksum != "" {
			return d.replicaPath, d.header, true
		}
	}
	return "", models.PartHeader{}, false
}

// isLost reports whether no other replica has part or a part covering it,
// and no other replica's queue is going to produce one.
func (f *fetcher) isLost(ctx context.Context, zk coordination.Client, part string) (bool, error) {
	info, err := models.ParsePartName(part)
	if err != nil {
		return false, err
	}
	replicas, err := zk.Children(ctx, f.r.paths.replicas())
	if err != nil {
		return false, errors.Wrap(classify(err), "list replicas")
	}
	for _, name := range replicas {
		if name == f.r.cfg.ReplicaName {
			continue
		}
		replicaPath := f.r.paths.replicaOf(name)
		parts, err := zk.Children(ctx, replicaPath+"/parts")
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return false, errors.Wrap(classify(err), "list replica parts")
		}
		for _, n := range parts {
			if ni, err := models.ParsePartName(n); err == nil && ni.Contains(info) {
				return false, nil
			}
		}
		queue, err := zk.Children(ctx, replicaPath+"/queue")
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return false, errors.Wrap(classify(err), "list replica queue")
		}
		for _, q := range queue {
			data, _, err := zk.Get(ctx, replicaPath+"/queue/"+q)
			if err != nil {
				continue
			}
			e, err := models.DecodeLogEntry(data, q)
			if err != nil || e.Type == models.GetPart {
				continue
			}
			for _, produced := range producedParts(e) {
				if pi, err := models.ParsePartName(produced); err == nil && pi.Contains(info) && !pi.IsFakeDropRange() {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

// downloadReplacement obtains newName for a REPLACE_RANGE entry: from a
// replica of this table that already has it, otherwise as a renamed copy
// of sourceName from the source table.
func (f *fetcher) downloadReplacement(ctx context.Context, zk coordination.Client, newName, fromTable, sourceName,
	checksum string,
) (*catalog.TempPart, error) {
	donors, err := f.findDonors(ctx, zk, f.r.paths.table, newName, false)
	if err != nil {
		return nil, err
	}
	if fromTable != "" {
		more, err := f.findDonors(ctx, zk, fromTable, sourceName, false)
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return nil, err
		}
		donors = append(donors, more...)
	}
	if len(donors) == 0 {
		return nil, errors.Wrapf(ErrDonorUnavailable, "part %s", newName)
	}
	tmp, d, err := f.downloadFrom(ctx, zk, donors, newName, checksum)
	if err != nil {
		return nil, err
	}
	log.Info("%sdownloaded %s as %s from %s", f.r.prefix, d.part, newName, d.replicaPath)
	return tmp, nil
}
