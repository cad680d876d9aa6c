// Package metadata provides the file-backed metadata store used when no
// metadata database is configured.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// formatVersion is written into every metadata file
const formatVersion = "2.0"

// MetadataStore is the on-disk document
type MetadataStore struct {
	Schedules     []types.BackupSchedule  `json:"schedules"`
	History       []types.BackupHistory   `json:"history"`
	Policies      []types.RetentionPolicy `json:"policies"`
	AuditLog      []types.AuditLog        `json:"auditLog"`
	NextHistoryID uint64                  `json:"nextHistoryId"`
	LastUpdated   time.Time               `json:"lastUpdated"`
	Version       string                  `json:"version"`
}

// Store keeps every repository in one JSON document guarded by a single mutex.
// An empty file path keeps the store in memory only.
type Store struct {
	metadata MetadataStore
	mutex    sync.RWMutex
	filepath string
	log      *zap.SugaredLogger
}

// NewStore creates a store backed by path and loads any existing content
func NewStore(path string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		metadata: emptyMetadata(),
		filepath: path,
		log:      logger.OrNop(log),
	}
	if path == "" {
		return s, nil
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryStore creates a store that is never persisted
func NewMemoryStore() *Store {
	s, _ := NewStore("", nil)
	return s
}

func emptyMetadata() MetadataStore {
	return MetadataStore{
		Schedules:     make([]types.BackupSchedule, 0),
		History:       make([]types.BackupHistory, 0),
		Policies:      make([]types.RetentionPolicy, 0),
		AuditLog:      make([]types.AuditLog, 0),
		NextHistoryID: 1,
		Version:       formatVersion,
	}
}

// Load loads the metadata from file, creating an empty file when none exists
func (s *Store) Load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := os.Stat(s.filepath); os.IsNotExist(err) {
		s.log.Infof("Metadata file does not exist at %s, will create new", s.filepath)
		return s.save()
	}

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return fmt.Errorf("failed to read metadata file: %w", err)
	}

	loaded := emptyMetadata()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	// Repair the id counter if the file was edited by hand
	for _, h := range loaded.History {
		if h.ID >= loaded.NextHistoryID {
			loaded.NextHistoryID = h.ID + 1
		}
	}
	s.metadata = loaded

	s.log.Infof("Loaded metadata with %d schedules, %d history records and %d policies",
		len(loaded.Schedules), len(loaded.History), len(loaded.Policies))
	return nil
}

// Save persists the metadata to file
func (s *Store) Save() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.save()
}

// save writes the current document; callers hold the write lock
func (s *Store) save() error {
	return s.write(&s.metadata)
}

// commit applies change to a copy of the document and keeps the copy only
// once it is on disk. Callers hold the write lock.
func (s *Store) commit(change func(m *MetadataStore)) error {
	staged := s.metadata.copy()
	change(&staged)
	if err := s.write(&staged); err != nil {
		return err
	}
	s.metadata = staged
	return nil
}

// copy returns the document with its own slices; records are replaced, never
// modified in place, so the elements can be shared
func (m MetadataStore) copy() MetadataStore {
	c := m
	c.Schedules = append(make([]types.BackupSchedule, 0, len(m.Schedules)+1), m.Schedules...)
	c.History = append(make([]types.BackupHistory, 0, len(m.History)+1), m.History...)
	c.Policies = append(make([]types.RetentionPolicy, 0, len(m.Policies)+1), m.Policies...)
	c.AuditLog = append(make([]types.AuditLog, 0, len(m.AuditLog)+1), m.AuditLog...)
	return c
}

// write persists m atomically
func (s *Store) write(m *MetadataStore) error {
	if s.filepath == "" {
		return nil
	}

	m.LastUpdated = time.Now()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dir := filepath.Dir(s.filepath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for metadata: %w", err)
	}

	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := os.Rename(tmp, s.filepath); err != nil {
		return fmt.Errorf("failed to replace metadata file: %w", err)
	}

	s.log.Debugf("Saved metadata with %d history records to %s", len(m.History), s.filepath)
	return nil
}

var (
	_ types.ScheduleStore = (*ScheduleRepository)(nil)
	_ types.HistoryStore  = (*HistoryRepository)(nil)
	_ types.PolicyStore   = (*PolicyRepository)(nil)
	_ types.AuditStore    = (*AuditRepository)(nil)
)

// Schedules returns the schedule repository view of the store
func (s *Store) Schedules() *ScheduleRepository { return &ScheduleRepository{store: s} }

// History returns the history repository view of the store
func (s *Store) History() *HistoryRepository { return &HistoryRepository{store: s} }

// Policies returns the retention policy repository view of the store
func (s *Store) Policies() *PolicyRepository { return &PolicyRepository{store: s} }

// Audit returns the audit sink view of the store
func (s *Store) Audit() *AuditRepository { return &AuditRepository{store: s} }

// ScheduleRepository implements types.ScheduleStore on a Store
type ScheduleRepository struct {
	store *Store
}

func (r *ScheduleRepository) indexOf(id string) int {
	for i := range r.store.metadata.Schedules {
		if r.store.metadata.Schedules[i].ID == id {
			return i
		}
	}
	return -1
}

// GetByID returns a schedule by ID
func (r *ScheduleRepository) GetByID(_ context.Context, id string) (*types.BackupSchedule, error) {
	r.store.mutex.RLock()
	defer r.store.mutex.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	c := r.store.metadata.Schedules[i].Clone()
	return &c, nil
}

func (r *ScheduleRepository) filter(keep func(types.BackupSchedule) bool) []types.BackupSchedule {
	r.store.mutex.RLock()
	defer r.store.mutex.RUnlock()

	result := make([]types.BackupSchedule, 0, len(r.store.metadata.Schedules))
	for _, sched := range r.store.metadata.Schedules {
		if keep(sched) {
			result = append(result, sched.Clone())
		}
	}
	return result
}

// GetAll returns every schedule
func (r *ScheduleRepository) GetAll(_ context.Context) ([]types.BackupSchedule, error) {
	return r.filter(func(types.BackupSchedule) bool { return true }), nil
}

// GetEnabled returns enabled schedules
func (r *ScheduleRepository) GetEnabled(_ context.Context) ([]types.BackupSchedule, error) {
	return r.filter(func(s types.BackupSchedule) bool { return s.IsEnabled }), nil
}

// GetDueForExecution returns enabled schedules whose next run is at or before now
func (r *ScheduleRepository) GetDueForExecution(_ context.Context, now time.Time) ([]types.BackupSchedule, error) {
	due := r.filter(func(s types.BackupSchedule) bool { return s.IsDue(now) })
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

// Create stores a new schedule
func (r *ScheduleRepository) Create(_ context.Context, schedule *types.BackupSchedule) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	if schedule.ID == "" {
		return fmt.Errorf("schedule ID is required")
	}
	if r.indexOf(schedule.ID) >= 0 {
		return fmt.Errorf("schedule %s already exists", schedule.ID)
	}
	return r.store.commit(func(m *MetadataStore) {
		m.Schedules = append(m.Schedules, schedule.Clone())
	})
}

// Update stores schedule if its version matches and bumps the version
func (r *ScheduleRepository) Update(_ context.Context, schedule *types.BackupSchedule) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	i := r.indexOf(schedule.ID)
	if i < 0 {
		return fmt.Errorf("schedule %s: %w", schedule.ID, types.ErrNotFound)
	}
	if r.store.metadata.Schedules[i].Version != schedule.Version {
		return fmt.Errorf("schedule %s version %d: %w", schedule.ID, schedule.Version, types.ErrConflict)
	}

	stored := schedule.Clone()
	stored.Version++
	if err := r.store.commit(func(m *MetadataStore) {
		m.Schedules[i] = stored
	}); err != nil {
		return err
	}
	schedule.Version = stored.Version
	return nil
}

// Delete removes a schedule
func (r *ScheduleRepository) Delete(_ context.Context, id string) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	return r.store.commit(func(m *MetadataStore) {
		m.Schedules = append(m.Schedules[:i], m.Schedules[i+1:]...)
	})
}

// HistoryRepository implements types.HistoryStore on a Store
type HistoryRepository struct {
	store *Store
}

func (r *HistoryRepository) indexOf(id uint64) int {
	for i := range r.store.metadata.History {
		if r.store.metadata.History[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *HistoryRepository) filter(keep func(types.BackupHistory) bool) []types.BackupHistory {
	r.store.mutex.RLock()
	defer r.store.mutex.RUnlock()

	result := make([]types.BackupHistory, 0)
	for _, h := range r.store.metadata.History {
		if keep(h) {
			result = append(result, h.Clone())
		}
	}
	return result
}

// GetByID returns a history record by its internal key
func (r *HistoryRepository) GetByID(_ context.Context, id uint64) (*types.BackupHistory, error) {
	r.store.mutex.RLock()
	defer r.store.mutex.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("backup history %d: %w", id, types.ErrNotFound)
	}
	c := r.store.metadata.History[i].Clone()
	return &c, nil
}

// GetAll returns every history record
func (r *HistoryRepository) GetAll(_ context.Context) ([]types.BackupHistory, error) {
	return r.filter(func(types.BackupHistory) bool { return true }), nil
}

// GetByDatabaseName returns the history of one database
func (r *HistoryRepository) GetByDatabaseName(_ context.Context, databaseName string) ([]types.BackupHistory, error) {
	return r.filter(func(h types.BackupHistory) bool { return h.DatabaseName == databaseName }), nil
}

// GetByDateRange returns records started within [start, end]
func (r *HistoryRepository) GetByDateRange(_ context.Context, start, end time.Time) ([]types.BackupHistory, error) {
	return r.filter(func(h types.BackupHistory) bool {
		return !h.StartedAt.Before(start) && !h.StartedAt.After(end)
	}), nil
}

// GetByStatus returns records in the given status
func (r *HistoryRepository) GetByStatus(_ context.Context, status types.BackupStatus) ([]types.BackupHistory, error) {
	return r.filter(func(h types.BackupHistory) bool { return h.Status == status }), nil
}

// Find returns records matching every set field of filter
func (r *HistoryRepository) Find(_ context.Context, filter types.HistoryFilter) ([]types.BackupHistory, error) {
	return r.filter(filter.Matches), nil
}

// Create appends a record and assigns its ID
func (r *HistoryRepository) Create(_ context.Context, record *types.BackupHistory) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	stored := record.Clone()
	if err := r.store.commit(func(m *MetadataStore) {
		stored.ID = m.NextHistoryID
		m.NextHistoryID++
		m.History = append(m.History, stored)
	}); err != nil {
		return err
	}
	record.ID = stored.ID
	return nil
}

// Update replaces a stored record
func (r *HistoryRepository) Update(_ context.Context, record *types.BackupHistory) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	i := r.indexOf(record.ID)
	if i < 0 {
		return fmt.Errorf("backup history %d: %w", record.ID, types.ErrNotFound)
	}
	return r.store.commit(func(m *MetadataStore) {
		m.History[i] = record.Clone()
	})
}

// Delete removes a record
func (r *HistoryRepository) Delete(_ context.Context, id uint64) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("backup history %d: %w", id, types.ErrNotFound)
	}
	return r.store.commit(func(m *MetadataStore) {
		m.History = append(m.History[:i], m.History[i+1:]...)
	})
}

// PolicyRepository implements types.PolicyStore on a Store
type PolicyRepository struct {
	store *Store
}

func (r *PolicyRepository) indexOf(id string) int {
	for i := range r.store.metadata.Policies {
		if r.store.metadata.Policies[i].ID == id {
			return i
		}
	}
	return -1
}

// GetByID returns a policy by ID
func (r *PolicyRepository) GetByID(_ context.Context, id string) (*types.RetentionPolicy, error) {
	r.store.mutex.RLock()
	defer r.store.mutex.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("retention policy %s: %w", id, types.ErrNotFound)
	}
	c := r.store.metadata.Policies[i].Clone()
	return &c, nil
}

// GetAll returns every policy
func (r *PolicyRepository) GetAll(_ context.Context) ([]types.RetentionPolicy, error) {
	r.store.mutex.RLock()
	defer r.store.mutex.RUnlock()

	result := make([]types.RetentionPolicy, 0, len(r.store.metadata.Policies))
	for _, p := range r.store.metadata.Policies {
		result = append(result, p.Clone())
	}
	return result, nil
}

// Create stores a new policy
func (r *PolicyRepository) Create(_ context.Context, policy *types.RetentionPolicy) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	if policy.ID == "" {
		return fmt.Errorf("retention policy ID is required")
	}
	if r.indexOf(policy.ID) >= 0 {
		return fmt.Errorf("retention policy %s already exists", policy.ID)
	}
	return r.store.commit(func(m *MetadataStore) {
		m.Policies = append(m.Policies, policy.Clone())
	})
}

// Update replaces a stored policy
func (r *PolicyRepository) Update(_ context.Context, policy *types.RetentionPolicy) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	i := r.indexOf(policy.ID)
	if i < 0 {
		return fmt.Errorf("retention policy %s: %w", policy.ID, types.ErrNotFound)
	}
	return r.store.commit(func(m *MetadataStore) {
		m.Policies[i] = policy.Clone()
	})
}

// Delete removes a policy
func (r *PolicyRepository) Delete(_ context.Context, id string) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("retention policy %s: %w", id, types.ErrNotFound)
	}
	return r.store.commit(func(m *MetadataStore) {
		m.Policies = append(m.Policies[:i], m.Policies[i+1:]...)
	})
}

// AuditRepository implements types.AuditStore on a Store
type AuditRepository struct {
	store *Store
}

// Create appends an audit entry
func (r *AuditRepository) Create(_ context.Context, entry *types.AuditLog) error {
	r.store.mutex.Lock()
	defer r.store.mutex.Unlock()

	c := *entry
	if entry.Details != nil {
		c.Details = make(map[string]string, len(entry.Details))
		for k, v := range entry.Details {
			c.Details[k] = v
		}
	}
	return r.store.commit(func(m *MetadataStore) {
		m.AuditLog = append(m.AuditLog, c)
	})
}

// Entries returns a copy of the audit log, oldest first
func (r *AuditRepository) Entries() []types.AuditLog {
	r.store.mutex.RLock()
	defer r.store.mutex.RUnlock()

	result := make([]types.AuditLog, len(r.store.metadata.AuditLog))
	copy(result, r.store.metadata.AuditLog)
	return result
}
