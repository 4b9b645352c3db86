package m3u8dl

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// hlsServer serves a playlist of the given segment bodies as a.ts, b.ts, ...
// Paths listed in broken answer 404; paths listed in slow block until the request is canceled.
func hlsServer(t *testing.T, segments []string, broken, slow []string) *httptest.Server {
	t.Helper()

	var pl strings.Builder
	pl.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:4\n")
	bodies := map[string]string{}
	for i, body := range segments {
		name := string(rune('a'+i)) + ".ts"
		pl.WriteString("#EXTINF:4,\n" + name + "\n")
		bodies["/"+name] = body
	}
	pl.WriteString("#EXT-X-ENDLIST\n")
	bodies["/index.m3u8"] = pl.String()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range broken {
			if r.URL.Path == p {
				http.NotFound(w, r)
				return
			}
		}
		for _, p := range slow {
			if r.URL.Path == p {
				<-r.Context().Done()
				return
			}
		}
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(t *testing.T) []Option {
	t.Helper()

	dir := t.TempDir()
	return []Option{
		WithWorkDir(dir + "/work"),
		WithTargetDir(dir + "/out"),
		WithWorkers(4),
		WithRetries(0),
		WithMergeBackend("concat"),
		WithProgressInterval(10 * time.Millisecond),
	}
}
