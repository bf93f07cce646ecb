package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"

	"github.com/mastercactapus/pld/machine"
	"github.com/mastercactapus/pld/machine/pld"
	"github.com/mastercactapus/pld/scheduler"
)

const safetyCheckTimeout = 5 * time.Second

// connectRequest selects the device to open. Empty fields fall back to the
// configured defaults.
type connectRequest struct {
	Port    string `json:"port"`
	Baud    int    `json:"baud"`
	SPJSURL string `json:"spjsUrl"`
}

type dialFunc func(req connectRequest) (machine.Transport, error)

type api struct {
	http.Handler
	m     *machine.Machine
	sched *scheduler.Scheduler
	sse   *sse.Server

	dial      dialFunc
	listPorts func() ([]pld.PortInfo, error)
}

func newAPI(m *machine.Machine, sched *scheduler.Scheduler, dial dialFunc) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		m:       m,
		sched:   sched,
		dial:    dial,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
		listPorts: pld.ListPorts,
	}

	r.HandleFunc("/api/status", a.status).Methods("GET")
	r.HandleFunc("/api/ports", a.ports).Methods("GET")
	r.HandleFunc("/api/connect", a.connect).Methods("POST")
	r.HandleFunc("/api/disconnect", a.disconnect).Methods("POST")
	r.HandleFunc("/api/command", a.command).Methods("POST")
	r.HandleFunc("/api/teach", a.simple((*machine.Machine).Teach)).Methods("POST")
	r.HandleFunc("/api/reset", a.simple((*machine.Machine).Reset)).Methods("POST")
	r.HandleFunc("/api/mode/{mode:manual|auto}", a.mode).Methods("POST")
	r.HandleFunc("/api/goto", a.gotoPosition).Methods("POST")
	r.HandleFunc("/api/slots/{slot:[0-9]+}/{action:save|load}", a.slot).Methods("POST")
	r.HandleFunc("/api/motor", a.motor).Methods("POST")
	r.HandleFunc("/api/experiment", a.startExperiment).Methods("POST")
	r.HandleFunc("/api/experiment/stop", a.stopExperiment).Methods("POST")
	r.HandleFunc("/api/laser/stop", a.stopLaser).Methods("POST")
	r.HandleFunc("/api/laser/fire", a.fireLaser).Methods("POST")
	r.HandleFunc("/api/laser/power/kill", a.simple((*machine.Machine).KillLaserPower)).Methods("POST")
	r.HandleFunc("/api/laser/power/restore", a.simple((*machine.Machine).RestoreLaserPower)).Methods("POST")
	r.HandleFunc("/api/laser/status", a.simple((*machine.Machine).LaserStatus)).Methods("POST")
	r.HandleFunc("/api/laser/test", a.simple((*machine.Machine).LaserTest)).Methods("POST")
	r.HandleFunc("/api/safety", a.safety).Methods("GET")
	r.HandleFunc("/api/schedules", a.listSchedules).Methods("GET")
	r.HandleFunc("/api/schedules", a.addSchedule).Methods("POST")
	r.HandleFunc("/api/schedules/{id:[0-9]+}", a.removeSchedule).Methods("DELETE")
	r.HandleFunc("/api/schedules/{id:[0-9]+}/run", a.runSchedule).Methods("POST")

	r.PathPrefix("/events/").Handler(a.sse)

	return a
}

// forwardEvents publishes machine events to the SSE channels until ctx is done.
func (a *api) forwardEvents(ctx context.Context) {
	ch := a.m.Subscribe()
	defer a.m.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				log.Printf("ERROR: marshal json: %+v", err)
				continue
			}
			a.sse.SendMessage("/events/"+string(e.Type), sse.SimpleMessage(string(data)))
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	var verr *machine.ValidationError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, machine.ErrInvalidSlot),
		errors.Is(err, machine.ErrInvalidPosition),
		errors.Is(err, machine.ErrInvalidPulses),
		errors.Is(err, machine.ErrInvalidFrequency),
		errors.Is(err, machine.ErrInvalidValue),
		errors.Is(err, machine.ErrEmptyCommand):
		code = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, machine.ErrBlocked),
		errors.Is(err, machine.ErrRunActive),
		errors.Is(err, machine.ErrNoRun),
		errors.Is(err, machine.ErrManualMode),
		errors.Is(err, machine.ErrTeachRequired),
		errors.Is(err, machine.ErrNotConnected),
		errors.Is(err, machine.ErrAlreadyConnected):
		code = http.StatusConflict
	default:
		log.Printf("ERROR: %+v", err)
	}
	http.Error(w, err.Error(), code)
}

type statusResponse struct {
	Connected  bool                 `json:"connected"`
	Status     machine.DeviceStatus `json:"status"`
	Positions  map[int]int          `json:"positions"`
	RunState   machine.RunState     `json:"runState"`
	Run        *machine.RunInfo     `json:"run,omitempty"`
	LastResult *machine.RunInfo     `json:"lastResult,omitempty"`
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	res := statusResponse{
		Connected: a.m.Connected(),
		Status:    a.m.Status(),
		Positions: a.m.Positions(),
		RunState:  a.m.RunState(),
	}
	if run, ok := a.m.CurrentRun(); ok {
		res.Run = &run
	}
	if last, ok := a.m.LastResult(); ok {
		res.LastResult = &last
	}
	writeJSON(w, res)
}

func (a *api) ports(w http.ResponseWriter, req *http.Request) {
	ports, err := a.listPorts()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, ports)
}

func (a *api) connect(w http.ResponseWriter, req *http.Request) {
	var cr connectRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&cr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if a.m.Connected() {
		httpError(w, machine.ErrAlreadyConnected)
		return
	}
	t, err := a.dial(cr)
	if err != nil {
		log.Printf("ERROR: connect: %+v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := a.m.Connect(t); err != nil {
		t.Close()
		httpError(w, err)
		return
	}
}

func (a *api) disconnect(w http.ResponseWriter, req *http.Request) {
	if err := a.m.Disconnect(); err != nil {
		httpError(w, err)
	}
}

// command sends each non-empty line of the body through the gated path.
func (a *api) command(w http.ResponseWriter, req *http.Request) {
	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var sent int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := a.m.Send(line); err != nil {
			httpError(w, err)
			return
		}
		sent++
	}
	if sent == 0 {
		httpError(w, machine.ErrEmptyCommand)
	}
}

// simple wraps a machine action that takes no arguments.
func (a *api) simple(fn func(m *machine.Machine) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := fn(a.m); err != nil {
			httpError(w, err)
		}
	}
}

func (a *api) mode(w http.ResponseWriter, req *http.Request) {
	if err := a.m.SetManualMode(mux.Vars(req)["mode"] == "manual"); err != nil {
		httpError(w, err)
	}
}

func (a *api) gotoPosition(w http.ResponseWriter, req *http.Request) {
	pos, err := strconv.Atoi(req.FormValue("position"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.m.Goto(pos); err != nil {
		httpError(w, err)
	}
}

func (a *api) slot(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	slot, _ := strconv.Atoi(vars["slot"])

	var err error
	if vars["action"] == "save" {
		err = a.m.SaveSlot(slot)
	} else {
		err = a.m.LoadSlot(slot)
	}
	if err != nil {
		httpError(w, err)
	}
}

func (a *api) motor(w http.ResponseWriter, req *http.Request) {
	var err error
	parse := func(param string) (val float64, ok bool) {
		if err != nil || req.FormValue(param) == "" {
			return 0, false
		}
		val, err = strconv.ParseFloat(req.FormValue(param), 64)
		return val, err == nil
	}
	speed, hasSpeed := parse("maxSpeed")
	accel, hasAccel := parse("acceleration")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !hasSpeed && !hasAccel {
		http.Error(w, "maxSpeed or acceleration required", http.StatusBadRequest)
		return
	}

	if hasSpeed {
		if err := a.m.SetMaxSpeed(speed); err != nil {
			httpError(w, err)
			return
		}
	}
	if hasAccel {
		if err := a.m.SetAcceleration(accel); err != nil {
			httpError(w, err)
			return
		}
	}
}

func (a *api) startExperiment(w http.ResponseWriter, req *http.Request) {
	var exp machine.Experiment
	if err := json.NewDecoder(req.Body).Decode(&exp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := a.m.StartExperiment(exp)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (a *api) stopExperiment(w http.ResponseWriter, req *http.Request) {
	if err := a.m.StopExperiment(); err != nil {
		httpError(w, err)
	}
}

func (a *api) stopLaser(w http.ResponseWriter, req *http.Request) {
	if err := a.m.StopLaser(); err != nil {
		httpError(w, err)
	}
}

func (a *api) fireLaser(w http.ResponseWriter, req *http.Request) {
	pulses, err := strconv.Atoi(req.FormValue("pulses"))
	if err != nil {
		http.Error(w, "pulses: "+err.Error(), http.StatusBadRequest)
		return
	}
	hz, err := strconv.ParseFloat(req.FormValue("frequency"), 64)
	if err != nil {
		http.Error(w, "frequency: "+err.Error(), http.StatusBadRequest)
		return
	}

	warnings, err := a.m.FireLaser(pulses, hz)
	if err != nil {
		httpError(w, err)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, map[string][]string{"warnings": warnings})
}

func (a *api) safety(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), safetyCheckTimeout)
	defer cancel()

	issues, err := a.m.SafetyCheck(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	if issues == nil {
		issues = []string{}
	}
	writeJSON(w, struct {
		Ready  bool     `json:"ready"`
		Issues []string `json:"issues"`
	}{Ready: len(issues) == 0, Issues: issues})
}

func (a *api) listSchedules(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, a.sched.List())
}

func (a *api) addSchedule(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Spec       string             `json:"spec"`
		Experiment machine.Experiment `json:"experiment"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := a.sched.Add(body.Spec, body.Experiment)
	if err != nil {
		// bad cron spec or invalid experiment
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]int{"id": id})
}

func (a *api) removeSchedule(w http.ResponseWriter, req *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(req)["id"])
	if err := a.sched.Remove(id); err != nil {
		httpError(w, err)
	}
}

func (a *api) runSchedule(w http.ResponseWriter, req *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(req)["id"])
	if err := a.sched.Trigger(id); err != nil {
		httpError(w, err)
	}
}
