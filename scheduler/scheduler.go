package scheduler

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mastercactapus/pld/machine"
)

var ErrNotFound = errors.New("schedule not found")

// Starter launches an experiment run.
type Starter interface {
	StartExperiment(exp machine.Experiment) (string, error)
}

// Entry is a registered schedule.
type Entry struct {
	ID         int                `json:"id"`
	Spec       string             `json:"spec"`
	Experiment machine.Experiment `json:"experiment"`

	LastRunID string `json:"lastRunId,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Scheduler starts experiments on cron schedules. Entries live in memory only.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter

	mu    sync.RWMutex
	store map[cron.EntryID]*Entry
}

func NewScheduler(starter Starter) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		starter: starter,
		store:   make(map[cron.EntryID]*Entry),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("Cron scheduler started.")
}

// Stop halts the ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("Cron scheduler stopped.")
}

// Add validates exp and registers it under spec.
func (s *Scheduler) Add(spec string, exp machine.Experiment) (int, error) {
	if err := exp.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entry{Spec: spec, Experiment: exp}
	id, err := s.cron.AddFunc(spec, func() { s.run(e) })
	if err != nil {
		return 0, fmt.Errorf("add schedule %q: %w", spec, err)
	}
	e.ID = int(id)
	s.store[id] = e
	log.Printf("Added schedule (ID %d): %s -> %d cycles x %d positions", id, spec, exp.Cycles, len(exp.Steps))
	return int(id), nil
}

func (s *Scheduler) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	if _, ok := s.store[entryID]; !ok {
		return ErrNotFound
	}
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	log.Printf("Removed schedule (ID %d)", id)
	return nil
}

// List returns a copy of every entry, ordered by ID.
func (s *Scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Entry, 0, len(s.store))
	for _, e := range s.store {
		res = append(res, *e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Trigger starts the experiment for id now.
func (s *Scheduler) Trigger(id int) error {
	s.mu.RLock()
	e, ok := s.store[cron.EntryID(id)]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return s.run(e)
}

// run starts e's experiment. A start rejected because a run is already
// active is logged and recorded on the entry.
func (s *Scheduler) run(e *Entry) error {
	s.mu.RLock()
	id, exp := e.ID, e.Experiment
	s.mu.RUnlock()

	runID, err := s.starter.StartExperiment(exp)

	s.mu.Lock()
	e.LastRunID = runID
	e.LastError = ""
	if err != nil {
		e.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("ERROR: schedule %d: start experiment: %v", id, err)
		return err
	}
	log.Printf("Schedule %d started run %s", id, runID)
	return nil
}
