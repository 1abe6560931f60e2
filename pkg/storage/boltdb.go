package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dpaschal/meshd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes        = []byte("nodes")
	bucketTasks        = []byte("tasks")
	bucketWorkflows    = []byte("workflows")
	bucketDependencies = []byte("dependencies")
	bucketTaskEvents   = []byte("task_events")
	bucketPlugins      = []byte("plugins")
)

// replicatedBuckets are dropped and recreated on snapshot restore.
// The plugin bucket is node-local and survives.
var replicatedBuckets = [][]byte{
	bucketNodes,
	bucketTasks,
	bucketWorkflows,
	bucketDependencies,
	bucketTaskEvents,
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the state database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "meshd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range append(replicatedBuckets, bucketPlugins) {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Reset drops the replicated buckets; plugin data is kept
func (s *BoltStore) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range replicatedBuckets {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// Node operations

func (s *BoltStore) PutNode(node *types.Node) error {
	return s.put(bucketNodes, []byte(node.ID), node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, []byte(id), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ActiveNodes() ([]*types.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}
	active := nodes[:0]
	for _, n := range nodes {
		if n.Status == types.NodeStatusActive {
			active = append(active, n)
		}
	}
	return active, nil
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// Task operations

func (s *BoltStore) PutTask(task *types.Task) error {
	return s.put(bucketTasks, []byte(task.ID), task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	if err := s.get(bucketTasks, []byte(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	return s.listTasks(func(*types.Task) bool { return true })
}

func (s *BoltStore) ListTasksByState(state types.TaskState) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.State == state })
}

func (s *BoltStore) ListTasksByNode(nodeID string) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.AssignedNode == nodeID })
}

func (s *BoltStore) ListTasksByWorkflow(workflowID string) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.WorkflowID == workflowID })
}

func (s *BoltStore) GetWorkflowTask(workflowID, key string) (*types.Task, error) {
	tasks, err := s.listTasks(func(t *types.Task) bool {
		return t.WorkflowID == workflowID && t.Key == key
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s/%s: %w", workflowID, key, types.ErrNotFound)
	}
	return tasks[0], nil
}

func (s *BoltStore) QueuedTasksReadyNow(now time.Time) ([]*types.Task, error) {
	tasks, err := s.listTasks(func(t *types.Task) bool {
		if t.State != types.TaskStateQueued {
			return false
		}
		return t.ScheduledAfter.IsZero() || !t.ScheduledAfter.After(now)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *BoltStore) listTasks(keep func(*types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if keep(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// Workflow operations

func (s *BoltStore) PutWorkflow(wf *types.Workflow) error {
	return s.put(bucketWorkflows, []byte(wf.ID), wf)
}

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := s.get(bucketWorkflows, []byte(id), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	var wfs []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			wfs = append(wfs, &wf)
			return nil
		})
	})
	return wfs, err
}

// Dependency operations. Edges are keyed workflow/task/parent so a prefix
// scan returns one workflow's edge set.

func depKey(workflowID, taskKey, dependsOnKey string) []byte {
	return []byte(workflowID + "/" + taskKey + "/" + dependsOnKey)
}

func (s *BoltStore) PutDependency(dep *types.Dependency) error {
	return s.put(bucketDependencies, depKey(dep.WorkflowID, dep.TaskKey, dep.DependsOnKey), dep)
}

func (s *BoltStore) ListDependencies(workflowID string) ([]*types.Dependency, error) {
	var deps []*types.Dependency
	prefix := []byte(workflowID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDependencies).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var dep types.Dependency
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			deps = append(deps, &dep)
		}
		return nil
	})
	return deps, err
}

func (s *BoltStore) ListAllDependencies() ([]*types.Dependency, error) {
	var deps []*types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).ForEach(func(k, v []byte) error {
			var dep types.Dependency
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			deps = append(deps, &dep)
			return nil
		})
	})
	return deps, err
}

// Task event operations. Events are keyed task/seq with the log index
// zero-padded so cursor order equals apply order.

func eventKey(taskID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", taskID, seq))
}

func (s *BoltStore) AppendTaskEvent(event *types.TaskEvent) error {
	return s.put(bucketTaskEvents, eventKey(event.TaskID, event.Seq), event)
}

func (s *BoltStore) ListTaskEvents(taskID string) ([]*types.TaskEvent, error) {
	var events []*types.TaskEvent
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTaskEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var event types.TaskEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) ListAllTaskEvents() ([]*types.TaskEvent, error) {
	var events []*types.TaskEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskEvents).ForEach(func(k, v []byte) error {
			var event types.TaskEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			return nil
		})
	})
	return events, err
}

// Plugin KV operations

func (s *BoltStore) PluginPut(plugin, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketPlugins).CreateBucketIfNotExists([]byte(plugin))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) PluginGet(plugin, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlugins).Bucket([]byte(plugin))
		if b == nil {
			return fmt.Errorf("plugin %s: %w", plugin, types.ErrNotFound)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("key %s: %w", key, types.ErrNotFound)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// put/get are the common JSON marshal paths for single records

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, types.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}
