package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ListSeries handles GET /api/library.
func (s *Server) ListSeries(c *gin.Context) {
	series, err := s.library.ListSeries(identity(c))
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"series": series})
}

// ListSeasons handles GET /api/library/:series/seasons.
func (s *Server) ListSeasons(c *gin.Context) {
	seasons, err := s.library.ListSeasons(identity(c), c.Param("series"))
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seasons": seasons})
}

// ListEpisodes handles GET /api/library/:series/:season/episodes.
func (s *Server) ListEpisodes(c *gin.Context) {
	season, err := strconv.Atoi(c.Param("season"))
	if err != nil || season < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid season number"})
		return
	}
	episodes, err := s.library.ListEpisodes(identity(c), c.Param("series"), season)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"episodes": episodes})
}

// LibrarySearch handles GET /api/library/search?q=&limit=.
func (s *Server) LibrarySearch(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	entries, err := s.library.Search(identity(c), c.Query("q"), limit)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": entries})
}

// LibraryRecent handles GET /api/library/recent?limit=.
func (s *Server) LibraryRecent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	entries, err := s.library.Recent(identity(c), limit)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recent": entries})
}

// ContinueWatching handles GET /api/library/continue.
func (s *Server) ContinueWatching(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	records, err := s.library.ContinueWatching(identity(c), limit)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type recordViewRequest struct {
	SeriesSlug    string `json:"series_slug" binding:"required"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	JobID         string `json:"job_id" binding:"required"`
}

// RecordView handles POST /api/library/views.
func (s *Server) RecordView(c *gin.Context) {
	var req recordViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.library.RecordView(identity(c), req.SeriesSlug, req.SeasonNumber, req.EpisodeNumber, req.JobID); err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

type addVoiceProfileRequest struct {
	Character string `json:"character" binding:"required"`
	RefPath   string `json:"ref_path" binding:"required"`
}

// AddVoiceProfile handles POST /api/library/:series/voices.
func (s *Server) AddVoiceProfile(c *gin.Context) {
	var req addVoiceProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile, err := s.library.AddVoiceProfile(identity(c), c.Param("series"), req.Character, req.RefPath)
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

// ListVoiceProfiles handles GET /api/library/:series/voices.
func (s *Server) ListVoiceProfiles(c *gin.Context) {
	profiles, err := s.library.ListVoiceProfiles(identity(c), c.Param("series"))
	if err != nil {
		replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}
