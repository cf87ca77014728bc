package api

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/steersman-proxy/steersman/internal/api/middleware"
	apperrors "github.com/steersman-proxy/steersman/internal/errors"
)

// forwardedHeaders is the fixed allow-list. Everything else the client sends
// is dropped before the request leaves the process.
var forwardedHeaders = []string{
	"x-api-key",
	"authorization",
	"anthropic-version",
	"anthropic-beta",
	"content-type",
}

// handleMessages is the proxy core: read the body, run the preprocessing
// pipeline, forward the mutated request upstream and relay the response.
// Pipeline failures never block the request; the worst outcome is an
// unenriched passthrough.
func (s *Server) handleMessages(c *gin.Context) {
	cfg := s.getConfig()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.GetMaxBodyBytes())
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		code := apperrors.CodeMalformedBody
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			code = apperrors.CodeBodyTooLarge
		}
		appErr := apperrors.New(status, code, "failed to read request body", err)
		c.Data(status, "application/json", appErr.ToJSON())
		return
	}

	sessionID, projectPath := sessionIdentity(c, body)
	pc := s.pre.Process(c.Request.Context(), sessionID, projectPath, body)
	middleware.RecordInjectionsReplayed(pc.ReconstructedCount)
	if pc.DriftLevel != "" {
		middleware.RecordDriftCheck(pc.DriftLevel)
	}
	if pc.CorrectionKind != "" {
		middleware.RecordCorrectionInjected(pc.CorrectionKind)
	}
	if pc.MemoryOutcome != "" {
		middleware.RecordMemoryFetch(pc.MemoryOutcome)
	}

	s.forward(c, cfg.UpstreamBaseURL, sessionID, pc.Body)
}

// sessionIdentity resolves which session a request belongs to. Local tooling
// sets explicit headers; agent clients are identified by the metadata user id
// they send with every request.
func sessionIdentity(c *gin.Context, body []byte) (string, string) {
	sessionID := c.GetHeader("x-session-id")
	if sessionID == "" {
		sessionID = gjson.GetBytes(body, "metadata.user_id").String()
	}
	if sessionID == "" {
		sessionID = "default"
	}
	return sessionID, c.GetHeader("x-project-path")
}

func (s *Server) forward(c *gin.Context, baseURL, sessionID string, body []byte) {
	ctx := c.Request.Context()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		middleware.RecordUpstreamError("build_request")
		appErr := apperrors.New(http.StatusBadGateway, apperrors.CodeUpstreamFailure, "failed to build upstream request", err)
		c.Data(http.StatusBadGateway, "application/json", appErr.ToJSON())
		return
	}
	for _, name := range forwardedHeaders {
		if v := c.GetHeader(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		middleware.RecordUpstreamError("round_trip")
		log.WithError(err).WithField("session", sessionID).Error("upstream request failed")
		appErr := apperrors.New(http.StatusBadGateway, apperrors.CodeUpstreamFailure, "upstream request failed", err)
		c.Data(http.StatusBadGateway, "application/json", appErr.ToJSON())
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		s.relayStream(c, resp, sessionID)
		return
	}
	s.relayBuffered(c, resp, sessionID)
}

// relayBuffered copies a non-streaming response and folds its usage block
// into the session's token count.
func (s *Server) relayBuffered(c *gin.Context, resp *http.Response, sessionID string) {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Warn("upstream response read failed")
		return
	}
	if _, err := c.Writer.Write(payload); err != nil {
		log.WithError(err).WithField("session", sessionID).Debug("client write failed")
		return
	}

	decoded := payload
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gzr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return
		}
		defer gzr.Close()
		if decoded, err = io.ReadAll(gzr); err != nil {
			return
		}
	}

	usage := gjson.GetBytes(decoded, "usage")
	s.accumulateTokens(sessionID, int(usage.Get("input_tokens").Int()), int(usage.Get("output_tokens").Int()))
}

// relayStream copies SSE events through unmodified while watching usage
// fields in message_start and message_delta events.
func (s *Server) relayStream(c *gin.Context, resp *http.Response, sessionID string) {
	flusher, canFlush := c.Writer.(http.Flusher)

	inputTokens, outputTokens := 0, 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 10<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := c.Writer.Write(append(line, '\n')); err != nil {
			log.WithField("session", sessionID).Debug("client disconnected mid-stream")
			return
		}
		if canFlush && len(line) == 0 {
			flusher.Flush()
		}

		data, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		event := gjson.ParseBytes(data)
		switch event.Get("type").String() {
		case "message_start":
			inputTokens = int(event.Get("message.usage.input_tokens").Int())
		case "message_delta":
			if n := int(event.Get("usage.output_tokens").Int()); n > 0 {
				outputTokens = n
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).WithField("session", sessionID).Warn("upstream stream ended with error")
	}
	if canFlush {
		flusher.Flush()
	}

	s.accumulateTokens(sessionID, inputTokens, outputTokens)
}

func (s *Server) accumulateTokens(sessionID string, input, output int) {
	if input <= 0 && output <= 0 {
		return
	}
	middleware.RecordUpstreamTokens("input", input)
	middleware.RecordUpstreamTokens("output", output)
	total := s.sessions.AddTokens(sessionID, input+output)
	log.WithFields(log.Fields{
		"session": sessionID,
		"input":   input,
		"output":  output,
		"total":   total,
	}).Debug("token usage accumulated")
}
