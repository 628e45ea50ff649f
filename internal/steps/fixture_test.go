package steps

import (
	"bytes"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/apk-analysis/apk-patcher-go/internal/arsc"
	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/retry"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
	"github.com/apk-analysis/apk-patcher-go/internal/testutil"
)

const (
	testPackage = "com.example.tracker"
	testVersion = "224100"
	testColor   = "brand_icon_background"

	squareBeta = "res/mipmap-anydpi-v26/ic_launcher_beta.xml"
	roundBeta  = "res/mipmap-anydpi-v26/ic_launcher_round_beta.xml"
	squareRef  = "res/mipmap-anydpi-v26/ic_launcher.xml"
	roundRef   = "res/mipmap-anydpi-v26/ic_launcher_round.xml"
)

var anydpiV26 = testutil.Qualifier{Density: arsc.DensityAny, SDK: 26}

// mirror 模拟下载镜像，支持 Range
type mirror struct {
	mu     sync.Mutex
	files  map[string][]byte
	hits   map[string]int
	ranges []string
	// fail 每个产物先返回多少次 503
	fail map[string]int
}

func newMirror() *mirror {
	return &mirror{files: map[string][]byte{}, hits: map[string]int{}, fail: map[string]int{}}
}

func (m *mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tracker/download/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] != testVersion {
		http.NotFound(w, r)
		return
	}
	artifact := parts[1]

	m.mu.Lock()
	m.hits[artifact]++
	if rg := r.Header.Get("Range"); rg != "" {
		m.ranges = append(m.ranges, rg)
	}
	data, ok := m.files[artifact]
	failing := m.fail[artifact] > 0
	if failing {
		m.fail[artifact]--
	}
	m.mu.Unlock()

	switch {
	case failing:
		http.Error(w, "busy", http.StatusServiceUnavailable)
	case !ok:
		http.NotFound(w, r)
	default:
		http.ServeContent(w, r, artifact, time.Time{}, bytes.NewReader(data))
	}
}

func (m *mirror) hitCount(artifact string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[artifact]
}

// fixture 一套合成的主包、语言分包与镜像
type fixture struct {
	mirror  *mirror
	server  *httptest.Server
	opts    Options
	files   map[string][]byte
	squareI uint32
	roundI  uint32
	bgColor uint32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := testutil.NewTable(testPackage)
	bg := b.AddValue("color", "ic_launcher_background", testutil.Qualifier{}, chunk.Value{Type: chunk.ValueIntColorARGB8, Data: 0xff3ddc84})
	fg := b.AddFile("drawable", "ic_launcher_foreground", testutil.Qualifier{}, "res/drawable/ic_launcher_foreground.xml")
	square := b.AddFile("mipmap", "ic_launcher_beta", anydpiV26, squareBeta)
	b.AddFile("mipmap", "ic_launcher_beta", testutil.Qualifier{Density: arsc.DensityXXHigh}, "res/mipmap-xxhdpi-v4/ic_launcher_beta.png")
	round := b.AddFile("mipmap", "ic_launcher_round_beta", anydpiV26, roundBeta)

	files := map[string][]byte{
		"AndroidManifest.xml": testutil.Manifest(testPackage, "", square, round),
		"resources.arsc":      b.Build(),
		squareBeta:            testutil.AdaptiveIcon(bg, fg),
		squareRef:             testutil.AdaptiveIcon(bg, fg),
		roundRef:              testutil.AdaptiveIcon(bg, fg),
		"classes.dex":         noise(16 * 1024),
	}

	m := newMirror()
	m.files["base"] = buildAPK(t, files)
	m.files["config.en"] = buildAPK(t, map[string][]byte{
		"AndroidManifest.xml": testutil.Manifest(testPackage, "config.en", 0, 0),
		"resources.arsc":      testutil.NewTable(testPackage).Build(),
	})
	m.files["config.xxhdpi"] = buildAPK(t, map[string][]byte{
		"AndroidManifest.xml": testutil.Manifest(testPackage, "config.xxhdpi", 0, 0),
	})

	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	return &fixture{
		mirror: m,
		server: srv,
		files:  files,
		opts: Options{
			Mirror:     srv.URL,
			Version:    testVersion,
			Channel:    ChannelBeta,
			CacheDir:   t.TempDir(),
			WorkDir:    t.TempDir(),
			Locale:     language.English,
			ColorName:  testColor,
			IconColor:  0xff101010,
			ChunkSize:  1024,
			HTTPClient: srv.Client(),
			Retry: retry.Config{
				MaxAttempts:     3,
				InitialInterval: time.Millisecond,
				MaxInterval:     time.Millisecond,
				Strategy:        retry.StrategyFixed,
				Logger:          logger,
			},
		},
		squareI: square,
		roundI:  round,
		bgColor: bg,
	}
}

func buildAPK(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build.apk")
	testutil.WriteAPK(t, path, files)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func newRunner(steps ...step.Step) *step.Runner {
	logger, _ := test.NewNullLogger()
	return step.NewRunner(steps, step.WithID("test-run"), step.WithLogger(logger))
}

// noise 不可压缩的确定性内容，保证安装包大于若干个传输块
func noise(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(buf)
	return buf
}
