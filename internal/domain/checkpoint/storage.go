package checkpoint

import "context"

// Storage is the persistence port for checkpoints. The infrastructure
// implementation indexes Summary rows in gorm (for List) while storing the
// full Checkpoint (including file content) as a JSON blob.
type Storage interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context) ([]Summary, error)
	Latest(ctx context.Context) (*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}
