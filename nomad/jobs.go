package nomad

import (
	nomadapi "github.com/hashicorp/nomad/api"
)

// Job statuses reported by the scheduler.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDead    = "dead"
)

// The job documents are the scheduler's own.
type (
	Job              = nomadapi.Job
	TaskGroup        = nomadapi.TaskGroup
	Task             = nomadapi.Task
	Resources        = nomadapi.Resources
	RestartPolicy    = nomadapi.RestartPolicy
	ReschedulePolicy = nomadapi.ReschedulePolicy
	JobListStub      = nomadapi.JobListStub
	RegisterResponse = nomadapi.JobRegisterResponse
)
