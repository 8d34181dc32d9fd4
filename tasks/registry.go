package tasks

import (
	"sync"

	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/downloads"
	"github.com/mikelund/magpie/jobqueue"
)

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string                                                        `json:"id"`
	Name string                                                        `json:"name"`
	Fn   func(j *jobqueue.Job, q *jobqueue.Queue, r *sync.Mutex) error `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

// Shared handles the tasks need beyond the queue itself. Set once at startup
// via Configure before any job runs.
var (
	store   *catalog.Store
	manager *downloads.Manager
)

func init() {
	RegisterTask(jobqueue.KindModelDownload, "Download Model", modelDownloadTask)
	RegisterTask(jobqueue.KindBundleInstall, "Install Bundle", bundleInstallTask)
	RegisterTask(jobqueue.KindBundleFinalize, "Finalize Bundle Install", bundleFinalizeTask)
	RegisterTask(jobqueue.KindWorkflowImport, "Import Workflow", workflowImportTask)
}

// Configure wires the catalog store and download manager into the task
// handlers.
func Configure(s *catalog.Store, m *downloads.Manager) {
	store = s
	manager = m
}

func RegisterTask(id, name string, fn func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}
