package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ssd-technologies/shardfs/internal/category"
	"github.com/ssd-technologies/shardfs/internal/command"
	"github.com/ssd-technologies/shardfs/internal/monitor"
	"github.com/ssd-technologies/shardfs/internal/node"
	"github.com/ssd-technologies/shardfs/internal/server"
	"github.com/ssd-technologies/shardfs/internal/vfs"
	"github.com/ssd-technologies/shardfs/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testChunk = 64

var testWire = wire.Options{ChunkSize: testChunk, IOTimeout: 5 * time.Second}

func listen(t *testing.T, h server.Handler) *server.Server {
	t.Helper()
	srv := server.New(h, server.Config{Addr: "127.0.0.1:0", Wire: testWire, Logger: zerolog.Nop()})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func openRoot(t *testing.T) *vfs.Root {
	t.Helper()
	root, err := vfs.OpenRoot(t.TempDir(), vfs.DefaultMarker, false)
	if err != nil {
		t.Fatalf("OpenRoot: %v", err)
	}
	return root
}

// startNode runs a real storage node for cat and returns its service.
func startNode(t *testing.T, cat category.Category) (*node.Service, string) {
	t.Helper()
	svc := node.NewService(cat, openRoot(t), nil)
	return svc, listen(t, svc).Addr()
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

type testGateway struct {
	router *Router
	local  *node.Service
	srv    *server.Server
	hub    *monitor.Hub
}

func startGateway(t *testing.T, nodes map[category.Category]string) *testGateway {
	t.Helper()
	local := node.NewService(category.Code, openRoot(t), nil)
	hub := monitor.NewHub()
	r := NewRouter(local, Config{Nodes: nodes, DialTimeout: time.Second, Wire: testWire}, nil, hub)
	return &testGateway{router: r, local: local, srv: listen(t, r), hub: hub}
}

func (g *testGateway) dial(t *testing.T) *wire.Conn {
	t.Helper()
	c, err := net.Dial("tcp", g.srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return wire.NewConn(c, testWire)
}

func request(t *testing.T, c *wire.Conn, line string) (string, error) {
	t.Helper()
	if err := c.WriteCommand(line); err != nil {
		t.Fatal(err)
	}
	return c.ReadReply()
}

func upload(t *testing.T, c *wire.Conn, name, dir string, data []byte) (string, error) {
	t.Helper()
	if err := c.WriteCommand("upload " + name + " " + dir); err != nil {
		t.Fatal(err)
	}
	if err := c.SendTransfer(bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatal(err)
	}
	return c.ReadReply()
}

func fetch(t *testing.T, c *wire.Conn, line string) ([]byte, error) {
	t.Helper()
	if err := c.WriteCommand(line); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	_, err := c.ReceiveTransfer(&buf)
	return buf.Bytes(), err
}

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 253)
	}
	return b
}

// slowLister answers list after a delay.
type slowLister struct {
	delay time.Duration
	reply string
}

func (s slowLister) Handle(ctx context.Context, conn *wire.Conn, cmd command.Command) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return conn.WriteText(s.reply)
}

func TestAggregateList_MergeOrderIndependentOfCompletion(t *testing.T) {
	nodes := map[category.Category]string{
		category.Document: listen(t, slowLister{delay: 150 * time.Millisecond, reply: "d1.pdf\n"}).Addr(),
		category.Text:     listen(t, slowLister{reply: "t1.txt\nt2.txt\n"}).Addr(),
		category.Archive:  listen(t, slowLister{delay: 50 * time.Millisecond, reply: "z1.zip\n"}).Addr(),
	}
	g := startGateway(t, nodes)
	dir := filepath.Join(g.local.Root().Dir(), "mix")
	if err := vfs.EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "c1.c"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	c := g.dial(t)
	for i := 0; i < 3; i++ {
		got, err := request(t, c, "list ~S1/mix")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if want := "c1.c\nd1.pdf\nt1.txt\nt2.txt\nz1.zip\n"; got != want {
			t.Fatalf("list = %q, want %q", got, want)
		}
	}
}

func TestAggregateList_AllEmpty(t *testing.T) {
	_, docAddr := startNode(t, category.Document)
	_, txtAddr := startNode(t, category.Text)
	g := startGateway(t, map[category.Category]string{
		category.Document: docAddr,
		category.Text:     txtAddr,
		category.Archive:  deadAddr(t),
	})

	c := g.dial(t)
	got, err := request(t, c, "list ~S1/empty")
	if err != nil || got != command.ReplyNoFiles {
		t.Fatalf("list = %q, %v; want %q", got, err, command.ReplyNoFiles)
	}
	if g.router.Tracker().Online(category.Archive) {
		t.Error("unreachable node reported online")
	}
	if !g.router.Tracker().Online(category.Text) {
		t.Error("answering node not reported online")
	}
}

func TestTextScenario(t *testing.T) {
	txt, txtAddr := startNode(t, category.Text)
	g := startGateway(t, map[category.Category]string{category.Text: txtAddr})
	c := g.dial(t)

	data := content(4096)
	if msg, err := upload(t, c, "foo.txt", "~S1/notes", data); err != nil || msg != command.ReplyUploaded {
		t.Fatalf("upload = %q, %v", msg, err)
	}
	stored, err := os.ReadFile(filepath.Join(txt.Root().Dir(), "notes", "foo.txt"))
	if err != nil || !bytes.Equal(stored, data) {
		t.Fatalf("text node stored %d bytes, err %v", len(stored), err)
	}

	got, err := fetch(t, c, "download ~S1/notes/foo.txt")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("download = %d bytes, %v", len(got), err)
	}

	if msg, err := request(t, c, "remove ~S1/notes/foo.txt"); err != nil || msg != command.ReplyRemoved {
		t.Fatalf("remove = %q, %v", msg, err)
	}
	_, err = fetch(t, c, "download ~S1/notes/foo.txt")
	var nd *wire.NoDataError
	if !errors.As(err, &nd) || nd.Reason != command.ReplyNotFound {
		t.Fatalf("download after remove = %v", err)
	}
}

func TestRelaySizes(t *testing.T) {
	txt, txtAddr := startNode(t, category.Text)
	g := startGateway(t, map[category.Category]string{category.Text: txtAddr})
	c := g.dial(t)

	for _, n := range []int{0, 1, testChunk - 1, testChunk, testChunk + 1, 5*testChunk + 7} {
		name := fmt.Sprintf("f%d.txt", n)
		data := content(n)
		if msg, err := upload(t, c, name, "~S1/sizes", data); err != nil || msg != command.ReplyUploaded {
			t.Fatalf("%d bytes: upload = %q, %v", n, msg, err)
		}
		stored, err := os.ReadFile(filepath.Join(txt.Root().Dir(), "sizes", name))
		if err != nil || !bytes.Equal(stored, data) {
			t.Fatalf("%d bytes: node stored %d bytes, err %v", n, len(stored), err)
		}
		got, err := fetch(t, c, "download ~S1/sizes/"+name)
		if err != nil || !bytes.Equal(got, data) {
			t.Fatalf("%d bytes: download = %d bytes, %v", n, len(got), err)
		}
	}
	if msg, err := request(t, c, "ping"); err != nil || msg != command.ReplyPong {
		t.Fatalf("connection out of sync: %q, %v", msg, err)
	}
}

// names returns a listing of n names, each ext-suffixed, one per line.
func names(n int, ext string) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "file-%07d%s\n", i, ext)
	}
	return b.String()
}

func TestAggregateList_NodeListingTooLarge(t *testing.T) {
	huge := names(wire.MaxTextSize/16+1, ".txt")
	if int64(len(huge)) <= wire.MaxTextSize {
		t.Fatalf("listing of %d bytes fits a frame", len(huge))
	}
	for name, h := range map[string]server.Handler{
		"oversized frame": slowLister{reply: huge},
		"refused by node": refusingLister{},
	} {
		t.Run(name, func(t *testing.T) {
			g := startGateway(t, map[category.Category]string{
				category.Text: listen(t, h).Addr(),
			})
			c := g.dial(t)

			got, err := request(t, c, "list ~S1/big")
			var re *wire.RemoteError
			if !errors.As(err, &re) || got != command.ReplyListTooLarge {
				t.Fatalf("list = %.40q, %v; want error %q", got, err, command.ReplyListTooLarge)
			}
			if !g.router.Tracker().Online(category.Text) {
				t.Error("node that answered was marked offline")
			}
			if msg, err := request(t, c, "ping"); err != nil || msg != command.ReplyPong {
				t.Fatalf("connection out of sync: %q, %v", msg, err)
			}
		})
	}
}

func TestAggregateList_MergedListingTooLarge(t *testing.T) {
	// Each half fits in a frame; together they do not.
	half := wire.MaxTextSize/16*6/10
	g := startGateway(t, map[category.Category]string{
		category.Document: listen(t, slowLister{reply: names(half, ".pdf")}).Addr(),
		category.Text:     listen(t, slowLister{reply: names(half, ".txt")}).Addr(),
	})
	c := g.dial(t)

	got, err := request(t, c, "list ~S1")
	if err == nil || got != command.ReplyListTooLarge {
		t.Fatalf("list = %.40q, %v; want error %q", got, err, command.ReplyListTooLarge)
	}
}

// refusingLister answers list the way a node does when its listing does not
// fit in one frame.
type refusingLister struct{}

func (refusingLister) Handle(ctx context.Context, conn *wire.Conn, cmd command.Command) error {
	return conn.WriteError(command.ReplyListTooLarge)
}

func TestCodeIsServedLocally(t *testing.T) {
	g := startGateway(t, nil)
	c := g.dial(t)

	if msg, err := upload(t, c, "main.c", "~S1/src", []byte("int main;")); err != nil || msg != command.ReplyUploaded {
		t.Fatalf("upload = %q, %v", msg, err)
	}
	if _, err := os.Stat(filepath.Join(g.local.Root().Dir(), "src", "main.c")); err != nil {
		t.Fatalf("local file missing: %v", err)
	}
	got, err := fetch(t, c, "archive .c")
	if err != nil || len(got) == 0 {
		t.Fatalf("archive = %d bytes, %v", len(got), err)
	}
	if got, err := request(t, c, "list ~S1/src"); err != nil || got != "main.c\n" {
		t.Errorf("list = %q, %v", got, err)
	}
}

func TestArchive_NothingToBundle(t *testing.T) {
	_, docAddr := startNode(t, category.Document)
	g := startGateway(t, map[category.Category]string{category.Document: docAddr})
	c := g.dial(t)

	got, err := fetch(t, c, "archive .pdf")
	var nd *wire.NoDataError
	if !errors.As(err, &nd) || nd.Reason != command.ReplyNoArchiveFiles(".pdf") {
		t.Fatalf("archive = %d bytes, %v", len(got), err)
	}
	_, err = fetch(t, c, "archive .exe")
	if !errors.As(err, &nd) || nd.Reason != command.ReplyUnsupportedArchive {
		t.Fatalf("unsupported archive = %v", err)
	}
}

func TestUnreachableNode(t *testing.T) {
	g := startGateway(t, map[category.Category]string{category.Document: deadAddr(t)})
	c := g.dial(t)
	want := command.ReplyUnreachable("document")

	msg, err := upload(t, c, "r.pdf", "~S1", content(3*testChunk))
	var re *wire.RemoteError
	if !errors.As(err, &re) || msg != want {
		t.Fatalf("upload = %q, %v", msg, err)
	}
	_, err = fetch(t, c, "download ~S1/r.pdf")
	var nd *wire.NoDataError
	if !errors.As(err, &nd) || nd.Reason != want {
		t.Fatalf("download = %v", err)
	}
	if msg, err := request(t, c, "remove ~S1/r.pdf"); err == nil || msg != want {
		t.Fatalf("remove = %q, %v", msg, err)
	}
	if msg, err := request(t, c, "ping"); err != nil || msg != command.ReplyPong {
		t.Fatalf("connection out of sync: %q, %v", msg, err)
	}
	if err := g.router.Ping(context.Background(), category.Document); err == nil {
		t.Error("Ping of unreachable node succeeded")
	}
}

func TestRejectsBeforeContactingNodes(t *testing.T) {
	g := startGateway(t, nil)
	c := g.dial(t)

	msg, err := upload(t, c, "binary.exe", "~S1", content(5*testChunk))
	if err == nil || msg != command.ReplyBadExtension {
		t.Fatalf("upload = %q, %v", msg, err)
	}
	_, err = fetch(t, c, "download ~S1/README")
	var nd *wire.NoDataError
	if !errors.As(err, &nd) || nd.Reason != command.ReplyBadExtension {
		t.Fatalf("download = %v", err)
	}
	if msg, err := request(t, c, "rename a b"); err == nil || msg != command.ReplyUnknown {
		t.Fatalf("unknown verb = %q, %v", msg, err)
	}
	if msg, err := request(t, c, "ping"); err != nil || msg != command.ReplyPong {
		t.Fatalf("connection out of sync: %q, %v", msg, err)
	}
}

func TestEventsArePublished(t *testing.T) {
	_, txtAddr := startNode(t, category.Text)
	g := startGateway(t, map[category.Category]string{category.Text: txtAddr})
	events, cancel := g.hub.Subscribe()
	defer cancel()

	c := g.dial(t)
	if msg, err := upload(t, c, "a.txt", "~S1", content(10)); err != nil {
		t.Fatalf("upload = %q, %v", msg, err)
	}

	select {
	case e := <-events:
		if e.Verb != "upload" || e.Category != "text" || e.Route != monitor.RouteRemote || !e.OK {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event published")
	}
}

func TestProbeWorker(t *testing.T) {
	_, txtAddr := startNode(t, category.Text)
	g := startGateway(t, map[category.Category]string{category.Text: txtAddr})

	ctx, cancel := context.WithCancel(context.Background())
	var ws server.Workers
	g.router.StartWorkers(ctx, &ws, WorkerConfig{ProbeInterval: 10 * time.Millisecond})

	deadline := time.Now().Add(3 * time.Second)
	for !g.router.Tracker().Online(category.Text) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	ws.Wait()

	if !g.router.Tracker().Online(category.Text) {
		t.Error("probe never marked node online")
	}
}
