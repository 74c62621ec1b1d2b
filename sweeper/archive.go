package sweeper

import (
	"context"
	"errors"
	"io/fs"

	"github.com/masa23/quarantined/model"
	"github.com/masa23/quarantined/objectstorage"
	"github.com/masa23/quarantined/quarantine"
)

// Opener reads a quarantined message back.
type Opener interface {
	Open(location string) ([]byte, error)
}

// ObjectArchive uploads quarantined messages to object storage.
type ObjectArchive struct {
	archiver *objectstorage.Archiver
	opener   Opener
}

func NewObjectArchive(a *objectstorage.Archiver, o Opener) *ObjectArchive {
	return &ObjectArchive{archiver: a, opener: o}
}

// Archive uploads the message stored for msg. A message whose directory is
// already gone has nothing left to archive.
func (a *ObjectArchive) Archive(ctx context.Context, msg *model.Message) error {
	raw, err := a.opener.Open(*msg.MailLocation)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, quarantine.ErrNoMessage) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.archiver.Upload(ctx, a.archiver.ObjectKey(msg.CreatedAt.UTC(), msg.QueueID, msg.ID), raw)
}
