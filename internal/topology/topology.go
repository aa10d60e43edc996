// Package topology holds the fixed, ordered list of service stations a
// customer passes through. The ordering is read-only configuration: the
// first station is the entry point for every new customer and only
// customers at the last station are eligible for completion.
package topology

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Station struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Color string `json:"color" yaml:"color"`
}

type Topology struct {
	stations []Station
	index    map[string]int
}

var errEmpty = errors.New("topology requires at least one station")

func New(stations []Station) (*Topology, error) {
	if len(stations) == 0 {
		return nil, errEmpty
	}
	index := make(map[string]int, len(stations))
	for i, s := range stations {
		if s.ID == "" {
			return nil, fmt.Errorf("station at position %d has empty id", i)
		}
		if _, dup := index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate station id %q", s.ID)
		}
		index[s.ID] = i
	}
	return &Topology{stations: stations, index: index}, nil
}

// Default returns the retail counter sequence shipped with the system.
func Default() *Topology {
	t, err := New([]Station{
		{ID: "TRADE_IN", Title: "สเตชั่นเทรดอิน (Trade-in)", Color: "#075985"},
		{ID: "PAYMENT", Title: "สเตชั่นคิดเงิน (Payment)", Color: "#115e59"},
		{ID: "DEVICE_CHECK", Title: "สเตชั่นเช็คเครื่อง (Device Check)", Color: "#92400e"},
		{ID: "DATA_TRANSFER", Title: "สเตชั่นย้าย/เช็คข้อมูล (Data Transfer)", Color: "#3730a3"},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// LoadFile reads a station list from a YAML file. The file holds a plain
// sequence of {id, title, color} entries in progression order.
func LoadFile(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stations []Station
	if err := yaml.Unmarshal(raw, &stations); err != nil {
		return nil, fmt.Errorf("parse stations file: %w", err)
	}
	return New(stations)
}

func (t *Topology) Stations() []Station {
	out := make([]Station, len(t.stations))
	copy(out, t.stations)
	return out
}

func (t *Topology) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

func (t *Topology) First() string {
	return t.stations[0].ID
}

func (t *Topology) Last() string {
	return t.stations[len(t.stations)-1].ID
}

func (t *Topology) IsLast(id string) bool {
	return id == t.Last()
}

// Next returns the successor station, clamped at the last position.
func (t *Topology) Next(id string) string {
	i, ok := t.index[id]
	if !ok {
		return id
	}
	if i+1 >= len(t.stations) {
		return t.stations[len(t.stations)-1].ID
	}
	return t.stations[i+1].ID
}

// Previous returns the predecessor station, clamped at the first position.
func (t *Topology) Previous(id string) string {
	i, ok := t.index[id]
	if !ok {
		return id
	}
	if i-1 < 0 {
		return t.stations[0].ID
	}
	return t.stations[i-1].ID
}
