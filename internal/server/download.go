package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/files"
)

const downloadRoute = files.DownloadPath

// handleDownload redeems a single-use token and streams the file. The
// token is spent on the first attempt regardless of outcome.
func (s *Server) handleDownload(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "token is required"})
		return
	}

	path, err := s.sessions.Tokens.Redeem(token)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired download token"})
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file no longer exists"})
			return
		}
		s.logger.Error("Download open failed", zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not open file"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not stat file"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(info.Size(), 10))
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, f); err != nil {
		// The client went away mid-transfer; nothing to send back.
		s.logger.Debug("Download aborted", zap.String("path", path), zap.Error(err))
	}
}
