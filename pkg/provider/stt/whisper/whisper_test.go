package whisper_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/stt/whisper"
)

// fakeFFmpeg writes a shell script that copies a fixed payload to the output
// path ffmpeg would produce, so conversion can be exercised without a real
// ffmpeg install.
func fakeFFmpeg(t *testing.T, payload string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub ffmpeg script requires a POSIX shell")
	}

	script := "#!/bin/sh\n" +
		`out=""` + "\n" +
		`for arg in "$@"; do out="$arg"; done` + "\n" +
		`printf '%s' '` + payload + `' > "$out"` + "\n"

	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var gotLanguage, gotFormat string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q, want /inference", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotLanguage = r.FormValue("language")
		gotFormat = r.FormValue("response_format")

		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		buf := make([]byte, 64)
		n, _ := f.Read(buf)
		gotFile = buf[:n]

		_, _ = w.Write([]byte(`{"text": "  hello from whisper  "}`))
	}))
	t.Cleanup(srv.Close)

	tr, err := whisper.New(srv.URL,
		whisper.WithLanguage("de"),
		whisper.WithFFmpegPath(fakeFFmpeg(t, "RIFF-fake-wav")),
	)
	if err != nil {
		t.Fatal(err)
	}

	text, err := tr.Transcribe(context.Background(), []byte("ogg-bytes"), "audio/ogg")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello from whisper" {
		t.Errorf("text = %q, want trimmed transcript", text)
	}
	if gotLanguage != "de" {
		t.Errorf("language = %q, want de", gotLanguage)
	}
	if gotFormat != "json" {
		t.Errorf("response_format = %q, want json", gotFormat)
	}
	if string(gotFile) != "RIFF-fake-wav" {
		t.Errorf("uploaded file = %q, want converted payload", gotFile)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "model not loaded"}`))
	}))
	t.Cleanup(srv.Close)

	tr, err := whisper.New(srv.URL, whisper.WithFFmpegPath(fakeFFmpeg(t, "wav")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Transcribe(context.Background(), []byte("ogg"), "audio/ogg"); err == nil {
		t.Fatal("Transcribe = nil error, want server error surfaced")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()
	tr, err := whisper.New("http://localhost:1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Transcribe(context.Background(), nil, "audio/ogg"); err == nil {
		t.Fatal("Transcribe = nil error, want failure for empty audio")
	}
}

func TestNew_RequiresServerURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("empty server URL accepted")
	}
}
