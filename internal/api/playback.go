package api

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/basekick-labs/arcplay/internal/message"
	"github.com/basekick-labs/arcplay/internal/playback"
	"github.com/gofiber/fiber/v2"
)

const ndjsonContentType = "application/x-ndjson"

// DiagnosticResponse describes a dataset that was not turned into a channel.
type DiagnosticResponse struct {
	Dataset string `json:"dataset"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (s *Server) requireLoader() error {
	if s.loader == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "no file loaded")
	}
	return nil
}

func (s *Server) channelsHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoader(); err != nil {
		return err
	}
	chans := s.loader.Channels()
	return c.JSON(fiber.Map{"count": len(chans), "channels": chans})
}

func (s *Server) timeRangeHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoader(); err != nil {
		return err
	}
	return c.JSON(s.loader.TimeRange())
}

func (s *Server) diagnosticsHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoader(); err != nil {
		return err
	}
	diags := s.loader.Diagnostics()
	out := make([]DiagnosticResponse, 0, len(diags))
	for _, d := range diags {
		r := DiagnosticResponse{Dataset: d.Dataset, Message: d.Message, Hint: d.Hint}
		if d.Err != nil {
			r.Error = d.Err.Error()
		}
		out = append(out, r)
	}
	return c.JSON(fiber.Map{"count": len(out), "diagnostics": out})
}

// messagesHandler streams up to limit messages as NDJSON. When the limit
// is reached the iterator stays open and its id is returned in the cursor
// header; passing it back as ?cursor= continues where the response ended.
func (s *Server) messagesHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoader(); err != nil {
		return err
	}

	limit, err := s.limit(c)
	if err != nil {
		return err
	}

	var it *playback.Iterator
	if id := c.Query("cursor"); id != "" {
		var ok bool
		if it, ok = s.cursors.Get(id); !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown or expired cursor "+id)
		}
	} else {
		args, err := s.iteratorArgs(c)
		if err != nil {
			return err
		}
		// Cursors outlive the request, so the iterator gets its own context.
		it, err = s.loader.CreateIterator(context.Background(), args)
		if err != nil {
			return requestError(err)
		}
	}

	var buf bytes.Buffer
	lw := message.NewLineWriter(&buf, s.loader.MessageEncoding(), s.topicName)
	n := 0
	for n < limit && it.Next() {
		if err := lw.Write(it.At()); err != nil {
			s.dropCursor(it)
			return err
		}
		n++
	}
	if err := it.Err(); err != nil {
		s.dropCursor(it)
		return requestError(err)
	}

	if n == limit {
		if _, open := s.cursors.Get(it.ID()); !open {
			s.cursors.Add(it)
		}
		c.Set(cursorHeader, it.ID())
	} else {
		s.dropCursor(it)
	}

	c.Set("X-Arcplay-Count", strconv.Itoa(n))
	c.Set(fiber.HeaderContentType, ndjsonContentType)
	return c.Send(buf.Bytes())
}

func (s *Server) dropCursor(it *playback.Iterator) {
	if !s.cursors.Remove(it.ID()) {
		it.Close()
	}
}

func (s *Server) closeCursorHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cursors.Remove(c.Params("id")) {
		return fiber.NewError(fiber.StatusNotFound, "unknown cursor")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// backfillHandler returns the latest messages at or before ?time= as NDJSON.
func (s *Server) backfillHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoader(); err != nil {
		return err
	}

	raw := c.Query("time")
	if raw == "" {
		return fiber.NewError(fiber.StatusBadRequest, "time is required")
	}
	t, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid time: "+raw)
	}
	ids, err := s.channelIDs(c.Query("channels"))
	if err != nil {
		return err
	}

	msgs, err := s.loader.Backfill(c.UserContext(), ids, t)
	if err != nil {
		return requestError(err)
	}

	var buf bytes.Buffer
	lw := message.NewLineWriter(&buf, s.loader.MessageEncoding(), s.topicName)
	for _, m := range msgs {
		if err := lw.Write(m); err != nil {
			return err
		}
	}
	c.Set("X-Arcplay-Count", strconv.Itoa(len(msgs)))
	c.Set(fiber.HeaderContentType, ndjsonContentType)
	return c.Send(buf.Bytes())
}

func (s *Server) topicName(id uint16) string {
	return s.loader.Topic(id)
}

func (s *Server) limit(c *fiber.Ctx) (int, error) {
	limit := s.cfg.MessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, fiber.NewError(fiber.StatusBadRequest, "invalid limit: "+raw)
		}
		if n < limit {
			limit = n
		}
	}
	return limit, nil
}

func (s *Server) iteratorArgs(c *fiber.Ctx) (playback.IteratorArgs, error) {
	var args playback.IteratorArgs
	ids, err := s.channelIDs(c.Query("channels"))
	if err != nil {
		return args, err
	}
	args.Channels = ids
	for _, p := range []struct {
		name string
		dst  **int64
	}{{"start", &args.Start}, {"end", &args.End}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return args, fiber.NewError(fiber.StatusBadRequest, "invalid "+p.name+": "+raw)
		}
		*p.dst = &v
	}
	return args, nil
}

// channelIDs parses a comma-separated list of channel ids or topics.
func (s *Server) channelIDs(raw string) ([]uint16, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []uint16
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseUint(part, 10, 16); err == nil {
			ids = append(ids, uint16(id))
			continue
		}
		id, ok := s.loader.Lookup(part)
		if !ok {
			return nil, fiber.NewError(fiber.StatusBadRequest, "unknown channel "+part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// requestError maps playback errors to HTTP statuses.
func requestError(err error) error {
	switch {
	case errors.Is(err, playback.ErrUnknownChannel), errors.Is(err, playback.ErrInvalidRange):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, playback.ErrClosed):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
