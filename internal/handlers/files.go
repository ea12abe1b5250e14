package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
)

// FileHandler stores uploads on disk and serves them back under /files/.
type FileHandler struct {
	Dir           string
	PublicBaseURL string
	MaxBytes      int64
	Logger        *slog.Logger
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// room for the multipart framing around the file itself
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, h.limitMessage())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	if header.Size > h.MaxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, h.limitMessage())
		return
	}

	name := cleanFileName(header.Filename)
	stored := uuid.NewString() + "-" + name
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	dst, err := os.Create(filepath.Join(h.Dir, stored))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	defer dst.Close()

	sniff := make([]byte, 512)
	n, _ := io.ReadFull(file, sniff)
	sniff = sniff[:n]
	written, err := io.Copy(dst, io.MultiReader(bytes.NewReader(sniff), file))
	if err != nil {
		os.Remove(dst.Name())
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}

	fileType := header.Header.Get("Content-Type")
	if fileType == "" || fileType == "application/octet-stream" {
		fileType = http.DetectContentType(sniff)
	}
	att := models.Attachment{
		FileName: name,
		FileSize: written,
		FileType: fileType,
		FileURL:  strings.TrimRight(h.PublicBaseURL, "/") + "/files/" + stored,
	}
	obs.OrDiscard(h.Logger).Info("file stored", "file", name, "size", humanize.IBytes(uint64(written)))
	writeJSON(w, http.StatusCreated, att)
}

// Files serves stored uploads.
func (h *FileHandler) Files() http.Handler {
	return http.StripPrefix("/files/", http.FileServer(http.Dir(h.Dir)))
}

func (h *FileHandler) limitMessage() string {
	return fmt.Sprintf("file exceeds %s", humanize.IBytes(uint64(h.MaxBytes)))
}

func cleanFileName(name string) string {
	name = sanitize(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}
