// Package stream はアクティビティの時系列ストリームの取得と保存を提供する。
package stream

import (
	"fmt"
	"strconv"

	"github.com/hitoshi/stravasync/internal/strava"
)

// latlngはlat/lngの2列に分割して保存する
const (
	channelLatLng = "latlng"
	columnLat     = "lat"
	columnLng     = "lng"
)

// Table は行インデックスで揃えたストリームの表。
// 値の無いセルは空文字で表す。
type Table struct {
	Columns []string
	Rows    [][]string
}

// BuildTable はチャンネルごとの配列を1つの表にまとめる。
// 列順はstrava.StreamKeysに従い、長さの異なるチャンネルは短い側を空セルで埋める。
func BuildTable(streams strava.StreamSet) (*Table, error) {
	var columns []string
	var data [][]string

	for _, key := range strava.StreamKeys {
		s, ok := streams[key]
		if !ok {
			continue
		}

		if key == channelLatLng {
			pairs, err := s.LatLng()
			if err != nil {
				return nil, err
			}
			lat := make([]string, len(pairs))
			lng := make([]string, len(pairs))
			for i, p := range pairs {
				if p == nil {
					continue
				}
				lat[i] = formatFloat(p[0])
				lng[i] = formatFloat(p[1])
			}
			columns = append(columns, columnLat, columnLng)
			data = append(data, lat, lng)
			continue
		}

		values, err := s.Floats()
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", key, err)
		}
		col := make([]string, len(values))
		for i, v := range values {
			if v != nil {
				col[i] = formatFloat(*v)
			}
		}
		columns = append(columns, key)
		data = append(data, col)
	}

	rowCount := 0
	for _, col := range data {
		rowCount = max(rowCount, len(col))
	}

	rows := make([][]string, rowCount)
	for i := range rows {
		row := make([]string, len(columns))
		for j, col := range data {
			if i < len(col) {
				row[j] = col[i]
			}
		}
		rows[i] = row
	}

	return &Table{Columns: columns, Rows: rows}, nil
}

// Columnar は表を {列名: {行インデックス: 値}} の形に変換する。
// 空セルはnil、数値として解釈できるセルはfloat64になる。
func (t *Table) Columnar() map[string]map[string]any {
	out := make(map[string]map[string]any, len(t.Columns))
	for j, name := range t.Columns {
		col := make(map[string]any, len(t.Rows))
		for i, row := range t.Rows {
			var v any
			if j < len(row) && row[j] != "" {
				if f, err := strconv.ParseFloat(row[j], 64); err == nil {
					v = f
				} else {
					v = row[j]
				}
			}
			col[strconv.Itoa(i)] = v
		}
		out[name] = col
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
