package marketdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// Historical data files, all optional. The first row of each file is a header.
//
//	spot.csv     timestamp,asset,price
//	oracle.csv   timestamp,asset,price
//	mark.csv     timestamp,venue,instrument,price
//	funding.csv  timestamp,venue,instrument,rate
//	rates.csv    timestamp,protocol,asset,supply_index,borrow_index,supply_apr,borrow_apr
const (
	FileSpot    = "spot.csv"
	FileOracle  = "oracle.csv"
	FileMark    = "mark.csv"
	FileFunding = "funding.csv"
	FileRates   = "rates.csv"
)

// LoadHistorical reads every data file found in dir into a Store.
func LoadHistorical(dir string, maxAge time.Duration) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("historical data dir is empty")
	}
	store := NewStore(maxAge)
	loaders := []struct {
		file string
		cols int
		load func(ts time.Time, row []string) error
	}{
		{FileSpot, 3, func(ts time.Time, row []string) error {
			v, err := decimal.NewFromString(row[2])
			if err != nil {
				return err
			}
			store.SetPrice(schema.Asset(row[1]), ts, v)
			return nil
		}},
		{FileOracle, 3, func(ts time.Time, row []string) error {
			v, err := decimal.NewFromString(row[2])
			if err != nil {
				return err
			}
			store.SetOraclePrice(schema.Asset(row[1]), ts, v)
			return nil
		}},
		{FileMark, 4, func(ts time.Time, row []string) error {
			v, err := decimal.NewFromString(row[3])
			if err != nil {
				return err
			}
			store.SetMarkPrice(schema.Venue(row[1]), schema.Asset(row[2]), ts, v)
			return nil
		}},
		{FileFunding, 4, func(ts time.Time, row []string) error {
			v, err := decimal.NewFromString(row[3])
			if err != nil {
				return err
			}
			store.SetFundingRate(schema.Venue(row[1]), schema.Asset(row[2]), ts, v)
			return nil
		}},
		{FileRates, 7, func(ts time.Time, row []string) error {
			vals := make([]decimal.Decimal, 4)
			for i := range vals {
				v, err := decimal.NewFromString(row[3+i])
				if err != nil {
					return err
				}
				vals[i] = v
			}
			store.SetRate(row[1], schema.Asset(row[2]), ts, Rate{
				SupplyIndex: vals[0],
				BorrowIndex: vals[1],
				SupplyAPR:   vals[2],
				BorrowAPR:   vals[3],
			})
			return nil
		}},
	}

	for _, l := range loaders {
		path := filepath.Join(dir, l.file)
		n, err := readCSV(path, l.cols, l.load)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logs.Debugf("historical data file %s not found, skipped", path)
				continue
			}
			return nil, err
		}
		logs.Infof("loaded %d rows from %s", n, path)
	}
	return store, nil
}

func readCSV(path string, cols int, load func(time.Time, []string) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	line, rows := 0, 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		line++
		if err != nil {
			return rows, fmt.Errorf("read csv %s line %d: %w", path, line, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "timestamp") {
			continue
		}
		if len(row) < cols {
			return rows, fmt.Errorf("read csv %s line %d: want %d columns, got %d", path, line, cols, len(row))
		}
		ts, err := ParseTimestamp(row[0])
		if err != nil {
			return rows, fmt.Errorf("read csv %s line %d: %w", path, line, err)
		}
		if err := load(ts, row); err != nil {
			return rows, fmt.Errorf("read csv %s line %d: %w", path, line, err)
		}
		rows++
	}
}

// ParseTimestamp accepts RFC3339, "2006-01-02 15:04:05" or unix seconds/milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
