package bootstrap

import (
	"context"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
)

// UnlinkJunctions emits an unlinked event for every active junction row that
// touches an entity of the kind belonging to the organization. Shared by the
// soft-delete RPCs and the compensation activities so both produce identical
// event traces. Returns the number of junctions unlinked.
func UnlinkJunctions(ctx context.Context, store *eventstore.Store, dir Directory, orgID, kind string, meta eventstore.Metadata) (int, error) {
	links, err := dir.ActiveJunctions(ctx, orgID, kind)
	if err != nil {
		return 0, err
	}
	for _, link := range links {
		_, err := store.Emit(ctx, eventstore.EmitInput{
			StreamID:   projection.JunctionStreamID(link.Prefix, link.Left, link.Right),
			StreamType: eventstore.StreamJunction,
			EventType:  link.Prefix + ".unlinked",
			EventData:  projection.NewJunctionPayload(link.Prefix, link.Left, link.Right),
			Metadata:   meta,
		})
		if err != nil {
			return 0, err
		}
	}
	return len(links), nil
}
