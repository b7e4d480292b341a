package mysql

import "gpuwatch/pkg/config"

// Repository aggregates all SQL repositories
type Repository struct {
	ds *Datastore

	JobGPUMetrics *JobGPUMetricsRepository
}

// NewRepository creates a new repository with all sub-repositories
func NewRepository(cfg config.MySQLConfig) (*Repository, error) {
	ds, err := NewDatastore(cfg)
	if err != nil {
		return nil, err
	}
	return newRepository(ds), nil
}

func newRepository(ds *Datastore) *Repository {
	return &Repository{
		ds:            ds,
		JobGPUMetrics: NewJobGPUMetricsRepository(ds),
	}
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
