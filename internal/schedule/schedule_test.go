package schedule

import (
	"errors"
	"testing"
	"time"
)

func at(hh, mm int) time.Time {
	return time.Date(2024, 5, 1, hh, mm, 30, 0, time.Local)
}

func TestInSchedule(t *testing.T) {
	day := []Window{{Start: "09:00", End: "17:00"}}
	cases := []struct {
		name    string
		windows []Window
		now     time.Time
		want    bool
	}{
		{"empty allows", nil, at(3, 0), true},
		{"inside", day, at(12, 30), true},
		{"start inclusive", day, at(9, 0), true},
		{"end inclusive", day, at(17, 0), true},
		{"after end", day, at(17, 1), false},
		{"before start", day, at(8, 59), false},
		{"second window", []Window{{"01:00", "02:00"}, {"20:00", "21:00"}}, at(20, 15), true},
		{"overnight never matches late", []Window{{"22:00", "06:00"}}, at(23, 0), false},
		{"overnight never matches early", []Window{{"22:00", "06:00"}}, at(5, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InSchedule(tc.windows, tc.now); got != tc.want {
				t.Fatalf("InSchedule(%v, %s) = %v, want %v", tc.windows, tc.now.Format("15:04"), got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := []Window{{"00:00", "23:59"}, {"22:00", "06:00"}}
	if err := Validate(good); err != nil {
		t.Fatalf("Validate(good) = %v", err)
	}
	bad := [][]Window{
		{{"9:00", "17:00"}},
		{{"09:00", "24:00"}},
		{{"09:60", "10:00"}},
		{{"09-00", "10:00"}},
		{{"", "10:00"}},
	}
	for _, w := range bad {
		if err := Validate(w); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("Validate(%v) = %v, want ErrInvalidWindow", w, err)
		}
	}
}
