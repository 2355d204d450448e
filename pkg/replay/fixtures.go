package replay

import (
	"context"
	"io/fs"
	"path"
	"strings"

	"github.com/wilhg/rewind/pkg/history"
	"github.com/wilhg/rewind/pkg/store"
)

// Factory builds a fresh store for one replay.
type Factory func() (*store.Store, error)

// Report summarises a directory of exports.
type Report struct {
	Score   float64
	Total   int
	Passed  int
	Details []string
}

// VerifyDir replays every .json, .yaml and .yml export found in dir, each
// into its own store from newStore, and scores how many reproduce their
// recorded history. An empty directory scores 1.
func VerifyDir(ctx context.Context, fsys fs.FS, dir string, newStore Factory) (Report, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		format, ok := exportFormat(e.Name())
		if !ok {
			continue
		}
		rep.Total++
		ok, detail := verifyFile(ctx, fsys, path.Join(dir, e.Name()), format, newStore)
		if ok {
			rep.Passed++
			continue
		}
		rep.Details = append(rep.Details, e.Name()+": "+detail)
	}
	if rep.Total == 0 {
		rep.Score = 1
		return rep, nil
	}
	rep.Score = float64(rep.Passed) / float64(rep.Total)
	return rep, nil
}

func exportFormat(name string) (history.Format, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return history.FormatJSON, true
	case ".yaml", ".yml":
		return history.FormatYAML, true
	}
	return "", false
}

func verifyFile(ctx context.Context, fsys fs.FS, name string, format history.Format, newStore Factory) (bool, string) {
	f, err := fsys.Open(name)
	if err != nil {
		return false, "open: " + err.Error()
	}
	defer f.Close()
	records, err := history.Decode(f, format)
	if err != nil {
		return false, err.Error()
	}
	st, err := newStore()
	if err != nil {
		return false, "build store: " + err.Error()
	}
	defer func() { _ = st.Close(context.WithoutCancel(ctx)) }()
	res, err := Verify(ctx, st, records)
	if err != nil {
		return false, err.Error()
	}
	if !res.Match {
		return false, res.Mismatch
	}
	return true, ""
}
