package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmestly-reports/internal/models"
)

func ptr(t time.Time) *time.Time { return &t }

func TestWindow(t *testing.T) {
	now := time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	endOf := func(y int, m time.Month, d int) time.Time { return day(y, m, d+1).Add(-time.Nanosecond) }

	tests := []struct {
		name     string
		params   models.ReportParams
		now      time.Time
		from, to *time.Time
	}{
		{"all", models.ReportParams{DateRange: models.RangeAll}, now, nil, nil},
		{"empty means all", models.ReportParams{}, now, nil, nil},
		{"month", models.ReportParams{DateRange: models.RangeMonth}, now, ptr(day(2024, 5, 1)), &now},
		{"quarter", models.ReportParams{DateRange: models.RangeQuarter}, now, ptr(day(2024, 2, 1)), &now},
		{"quarter across year", models.ReportParams{DateRange: models.RangeQuarter}, day(2024, 2, 10), ptr(day(2023, 11, 1)), ptr(day(2024, 2, 10))},
		{"year", models.ReportParams{DateRange: models.RangeYear}, now, ptr(day(2024, 1, 1)), &now},
		{"custom defaults", models.ReportParams{DateRange: models.RangeCustom}, now, ptr(day(2024, 1, 1)), &now},
		{
			"custom explicit dates",
			models.ReportParams{DateRange: models.RangeCustom, StartDate: ptr(day(2024, 3, 1)), EndDate: ptr(day(2024, 3, 31))},
			now, ptr(day(2024, 3, 1)), ptr(endOf(2024, 3, 31)),
		},
		{
			"month honours explicit end",
			models.ReportParams{DateRange: models.RangeMonth, EndDate: ptr(day(2024, 5, 10))},
			now, ptr(day(2024, 5, 1)), ptr(endOf(2024, 5, 10)),
		},
		{
			"end with time kept as is",
			models.ReportParams{DateRange: models.RangeCustom, EndDate: ptr(time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC))},
			now, ptr(day(2024, 1, 1)), ptr(time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to := Window(tt.params, tt.now, time.UTC)
			if tt.from == nil {
				assert.Nil(t, from)
			} else {
				require.NotNil(t, from)
				assert.True(t, tt.from.Equal(*from), "from = %s", from)
			}
			if tt.to == nil {
				assert.Nil(t, to)
			} else {
				require.NotNil(t, to)
				assert.True(t, tt.to.Equal(*to), "to = %s", to)
			}
		})
	}
}

func TestWindowUsesLocation(t *testing.T) {
	loc := time.FixedZone("EET", 2*60*60)
	// 23:30 UTC on 30 April is already May in EET.
	now := time.Date(2024, 4, 30, 23, 30, 0, 0, time.UTC)

	from, _ := Window(models.ReportParams{DateRange: models.RangeMonth}, now, loc)

	require.NotNil(t, from)
	assert.True(t, time.Date(2024, 5, 1, 0, 0, 0, 0, loc).Equal(*from))
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams(RawParams{}, false, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, models.ReportChronological, p.ReportType)
	assert.Equal(t, models.RangeAll, p.DateRange)
	assert.Empty(t, p.Delivery)

	p, err = ParseParams(RawParams{
		ReportType: "field",
		DateRange:  "custom",
		StartDate:  "2024-03-01",
		EndDate:    "2024-03-31T18:00:00Z",
		Delivery:   "both",
	}, true, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, models.ReportByField, p.ReportType)
	assert.Equal(t, models.DeliveryBoth, p.Delivery)
	require.NotNil(t, p.StartDate)
	assert.True(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Equal(*p.StartDate))
	require.NotNil(t, p.EndDate)
	assert.True(t, time.Date(2024, 3, 31, 18, 0, 0, 0, time.UTC).Equal(*p.EndDate))

	_, err = ParseParams(RawParams{StartDate: "2024-03-05", EndDate: "2024-03-05"}, false, time.UTC)
	assert.NoError(t, err, "a single day is a valid range")
}

func TestParseParamsRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     RawParams
		require bool
		code    Code
	}{
		{"missing delivery", RawParams{}, true, CodeInvalidDelivery},
		{"unknown delivery", RawParams{Delivery: "pigeon"}, false, CodeInvalidDelivery},
		{"unknown report type", RawParams{ReportType: "by_weather"}, false, CodeInvalidReportType},
		{"unknown range", RawParams{DateRange: "decade"}, false, CodeInvalidDateRange},
		{"bad start", RawParams{StartDate: "yesterday"}, false, CodeInvalidDateRange},
		{"bad end", RawParams{EndDate: "2024-13-01"}, false, CodeInvalidDateRange},
		{"start after end", RawParams{StartDate: "2024-03-10", EndDate: "2024-03-01"}, false, CodeInvalidDateRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParams(tt.raw, tt.require, time.UTC)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
			assert.True(t, IsValidation(err))
		})
	}
}
