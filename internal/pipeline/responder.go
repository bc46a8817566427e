package pipeline

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/archive"
	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/protocol"
)

// Responder is the page side of askForContent. Each request is answered
// with exactly one message on its reply port: a redirect to the resolved
// entry, the content, or an empty giveContent when the title is unknown.
type Responder struct {
	archives *archive.Holder
	logger   *logrus.Logger
}

func NewResponder(archives *archive.Holder, logger *logrus.Logger) *Responder {
	return &Responder{archives: archives, logger: logging.OrDiscard(logger)}
}

// Handle answers msg; it has the protocol.Handler signature.
func (r *Responder) Handle(ctx context.Context, msg protocol.Message) {
	if msg.Action != protocol.ActionAskForContent {
		return
	}
	reply := r.answer(ctx, msg.Archive, msg.Title)
	if err := protocol.Respond(ctx, msg, reply); err != nil {
		r.logger.WithFields(logrus.Fields{
			"action": "ask_for_content",
			"title":  msg.Title,
		}).WithError(err).Warn("reply not delivered")
	}
}

func (r *Responder) answer(ctx context.Context, archiveName, title string) protocol.Message {
	fields := logrus.Fields{"action": "ask_for_content", "archive": archiveName, "title": title}
	arch, err := r.archives.Ready()
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("archive not ready")
		return protocol.NotFound(title)
	}
	// locators of a previously selected archive must not be answered, and
	// thereby cached, with content of the current one
	if archiveName != "" && archiveName != arch.Name() {
		r.logger.WithFields(fields).WithField("current", arch.Name()).Warn("request for another archive")
		return protocol.NotFound(title)
	}

	entry, err := arch.GetEntryByTitle(ctx, title)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			r.logger.WithFields(fields).Warn("title not found in archive")
		} else {
			r.logger.WithFields(fields).WithError(err).Warn("entry lookup failed")
		}
		return protocol.NotFound(title)
	}

	if entry.IsRedirect() {
		resolved, err := arch.ResolveRedirect(ctx, entry)
		if err != nil {
			r.logger.WithFields(fields).WithError(err).Warn("redirect resolution failed")
			return protocol.NotFound(title)
		}
		// The browser has to learn the final directory, otherwise relative
		// links of the target resolve against the redirect source.
		return protocol.SendRedirect(title, resolved.FullPath())
	}

	content, err := arch.ReadBinaryFile(ctx, entry)
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("read content failed")
		return protocol.NotFound(title)
	}
	return protocol.GiveContent(title, content, entry.Mimetype())
}
