package replay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	moqcapture "github.com/e7canasta/moq-capture"
)

const catalogFile = "catalog.yaml"

// catalogDoc is the on-disk catalog schema.
type catalogDoc struct {
	Video struct {
		Codec           string `yaml:"codec"`
		CodedWidth      int    `yaml:"coded_width"`
		CodedHeight     int    `yaml:"coded_height"`
		DescriptionFile string `yaml:"description_file"`
	} `yaml:"video"`
	FPS  float64 `yaml:"fps"`
	Loop bool    `yaml:"loop"`
}

type broadcast struct {
	dir    string
	path   string
	closed atomic.Bool
}

// SubscribeCatalog reads catalog.yaml, delivers it asynchronously, and
// keeps watching the file: every later write re-delivers the catalog.
func (b *broadcast) SubscribeCatalog(onCatalog moqcapture.CatalogFunc) (moqcapture.CatalogSub, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("replay: broadcast closed")
	}

	sub := &catalogSub{
		b:         b,
		onCatalog: onCatalog,
		stop:      make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("replay: failed to create catalog watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("replay: failed to watch %s: %w", b.dir, err)
	}
	sub.watcher = watcher

	go sub.run()
	return sub, nil
}

func (b *broadcast) Close() error {
	b.closed.Store(true)
	return nil
}

type catalogSub struct {
	b         *broadcast
	onCatalog moqcapture.CatalogFunc
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	stopOnce  sync.Once
}

func (s *catalogSub) run() {
	s.deliver()
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != catalogFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			slog.Info("replay: catalog changed, re-delivering", "broadcast", s.b.path)
			s.deliver()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("replay: catalog watcher error", "error", err)
		}
	}
}

func (s *catalogSub) deliver() {
	doc, err := readCatalog(s.b.dir)
	if err != nil {
		s.onCatalog(nil, err)
		return
	}
	s.onCatalog(&catalog{b: s.b, doc: doc}, nil)
}

func (s *catalogSub) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.watcher.Close()
	})
	return nil
}

func readCatalog(dir string) (catalogDoc, error) {
	var doc catalogDoc
	raw, err := os.ReadFile(filepath.Join(dir, catalogFile))
	if err != nil {
		return doc, fmt.Errorf("replay: read catalog: %w", err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("replay: parse catalog: %w", err)
	}
	if doc.Video.Codec == "" {
		return doc, fmt.Errorf("replay: catalog names no video codec")
	}
	if doc.FPS <= 0 {
		doc.FPS = 30
	}
	return doc, nil
}

type catalog struct {
	b      *broadcast
	doc    catalogDoc
	closed atomic.Bool
}

func (c *catalog) VideoConfig(track int) (moqcapture.VideoConfig, error) {
	if track != 0 {
		return moqcapture.VideoConfig{}, fmt.Errorf("replay: no such track %d", track)
	}
	cfg := moqcapture.VideoConfig{
		CodecID:     c.doc.Video.Codec,
		CodedWidth:  c.doc.Video.CodedWidth,
		CodedHeight: c.doc.Video.CodedHeight,
	}
	if f := c.doc.Video.DescriptionFile; f != "" {
		desc, err := os.ReadFile(filepath.Join(c.b.dir, f))
		if err != nil {
			return moqcapture.VideoConfig{}, fmt.Errorf("replay: read description: %w", err)
		}
		cfg.Description = desc
	}
	return cfg, nil
}

// SubscribeVideo starts a goroutine that delivers the recorded frames
// in sequence order at the catalog's fps. The returned track outlives
// this catalog handle.
func (c *catalog) SubscribeVideo(trackNum int, latency time.Duration, onFrame moqcapture.FrameFunc) (moqcapture.Track, error) {
	if trackNum != 0 {
		return nil, fmt.Errorf("replay: no such track %d", trackNum)
	}

	files, err := listFrameFiles(filepath.Join(c.b.dir, "frames"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("replay: broadcast %q has no frames", c.b.path)
	}

	t := &track{stop: make(chan struct{})}
	interval := time.Duration(float64(time.Second) / c.doc.FPS)
	go t.run(files, interval, c.doc.Loop, onFrame)

	slog.Info("replay: track subscribed",
		"broadcast", c.b.path,
		"frames", len(files),
		"fps", c.doc.FPS,
		"loop", c.doc.Loop,
	)
	return t, nil
}

func (c *catalog) Close() error {
	c.closed.Store(true)
	return nil
}

// frameFile is one recorded frame, parsed from its file name
// <seq>_<k|d>_<ptsMicros>.bin.
type frameFile struct {
	path     string
	seq      int
	keyframe bool
	pts      int64
}

func parseFrameName(name string) (frameFile, error) {
	base := strings.TrimSuffix(name, ".bin")
	if base == name {
		return frameFile{}, fmt.Errorf("replay: frame file %q: missing .bin suffix", name)
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 {
		return frameFile{}, fmt.Errorf("replay: frame file %q: want <seq>_<k|d>_<pts>.bin", name)
	}
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return frameFile{}, fmt.Errorf("replay: frame file %q: bad sequence: %w", name, err)
	}
	var keyframe bool
	switch parts[1] {
	case "k":
		keyframe = true
	case "d":
	default:
		return frameFile{}, fmt.Errorf("replay: frame file %q: frame kind must be k or d", name)
	}
	pts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return frameFile{}, fmt.Errorf("replay: frame file %q: bad timestamp: %w", name, err)
	}
	return frameFile{seq: seq, keyframe: keyframe, pts: pts}, nil
}

func listFrameFiles(dir string) ([]frameFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("replay: list frames: %w", err)
	}
	files := make([]frameFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		f, err := parseFrameName(e.Name())
		if err != nil {
			slog.Warn("replay: skipping unparseable frame file", "file", e.Name(), "error", err)
			continue
		}
		f.path = filepath.Join(dir, e.Name())
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	return files, nil
}

type track struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *track) run(files []frameFile, interval time.Duration, loop bool, onFrame moqcapture.FrameFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		f := files[i]
		onFrame(&frameRef{file: f})

		i++
		if i == len(files) {
			if !loop {
				slog.Debug("replay: track finished", "frames", len(files))
				return
			}
			i = 0
		}
	}
}

func (t *track) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

type frameRef struct {
	file   frameFile
	closed atomic.Bool
}

// Chunk reads the frame payload from disk.
func (f *frameRef) Chunk() (moqcapture.FrameChunk, error) {
	if f.closed.Load() {
		return moqcapture.FrameChunk{}, fmt.Errorf("replay: frame handle closed")
	}
	payload, err := os.ReadFile(f.file.path)
	if err != nil {
		return moqcapture.FrameChunk{}, fmt.Errorf("replay: read frame: %w", err)
	}
	return moqcapture.FrameChunk{
		Payload:         payload,
		TimestampMicros: f.file.pts,
		Keyframe:        f.file.keyframe,
	}, nil
}

func (f *frameRef) Close() error {
	f.closed.Store(true)
	return nil
}
