package config

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/IdeaQru/apigate-sub000/errors"
)

// CSVStore reads bridge records from the two CSV files the control plane
// maintains: serial.csv and ip.csv under one directory. Files are re-read on
// every call so the reconciliation timer always sees the current records.
// A missing file is an empty record set, not an error.
type CSVStore struct {
	dir string
}

// NewCSVStore creates a store rooted at dir.
func NewCSVStore(dir string) *CSVStore {
	return &CSVStore{dir: dir}
}

// SerialFile is the record file for serial bridges.
const SerialFile = "serial.csv"

// IPFile is the record file for network bridges.
const IPFile = "ip.csv"

func (s *CSVStore) readRows(name string, wantCols int) ([][]string, error) {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "CSVStore", "readRows", "file open")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = wantCols
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.WrapInvalid(err, "CSVStore", "readRows", fmt.Sprintf("parse %s", name))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	// First row is the header.
	return rows[1:], nil
}

// GetSerialConfigs returns all declared serial bridge records.
// Columns: id,name,device,baud,tcp_out_host,tcp_out_port
func (s *CSVStore) GetSerialConfigs() ([]SerialConfig, error) {
	rows, err := s.readRows(SerialFile, 6)
	if err != nil {
		return nil, err
	}

	configs := make([]SerialConfig, 0, len(rows))
	for i, row := range rows {
		baud, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("row %d: baud %q: %w", i+2, row[3], err),
				"CSVStore", "GetSerialConfigs", "baud parse")
		}
		outPort, err := strconv.Atoi(row[5])
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("row %d: output port %q: %w", i+2, row[5], err),
				"CSVStore", "GetSerialConfigs", "output port parse")
		}
		configs = append(configs, SerialConfig{
			ID:      row[0],
			Name:    row[1],
			Device:  row[2],
			Baud:    baud,
			OutHost: row[4],
			OutPort: outPort,
		})
	}
	return configs, nil
}

// GetIPConfigs returns all declared network bridge records.
// Columns: id,name,host,port,mode,tcp_out_host,tcp_out_port
func (s *CSVStore) GetIPConfigs() ([]IPConfig, error) {
	rows, err := s.readRows(IPFile, 7)
	if err != nil {
		return nil, err
	}

	configs := make([]IPConfig, 0, len(rows))
	for i, row := range rows {
		port, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("row %d: source port %q: %w", i+2, row[3], err),
				"CSVStore", "GetIPConfigs", "source port parse")
		}
		outPort, err := strconv.Atoi(row[6])
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("row %d: output port %q: %w", i+2, row[6], err),
				"CSVStore", "GetIPConfigs", "output port parse")
		}
		configs = append(configs, IPConfig{
			ID:      row[0],
			Name:    row[1],
			Host:    row[2],
			Port:    port,
			Mode:    ConnMode(row[4]),
			OutHost: row[5],
			OutPort: outPort,
		})
	}
	return configs, nil
}

// Ensure CSVStore satisfies the Store interface.
var _ Store = (*CSVStore)(nil)
