package core

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Spreadsheet serial dates count days from 1899-12-30. The upper bound is
// 9999-12-31.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

const maxSerialDay = 2958465

var (
	serialPattern    = regexp.MustCompile(`^\d+(\.\d+)?$`)
	shortYearPattern = regexp.MustCompile(`^(\d{1,2})[/.-](\d{1,2})[/.-](\d{2})$`)
)

// dateLayouts are tried in order. Day-first layouts come before the generic
// fallbacks so 03/04/1990 is the 3rd of April.
var dateLayouts = []string{
	"2006-1-2",
	"2/1/2006",
	"2-1-2006",
	"2006/1/2",
	"2.1.2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"02012006",
	"20060102",
}

// NormalizeDate converts a cell to YYYY-MM-DD. Unparseable input yields ""
// rather than an error.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if serialPattern.MatchString(s) {
		if d := serialDate(s); d != "" {
			return d
		}
	}

	if m := shortYearPattern.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return civilDate(2000+year, month, day)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly)
		}
	}
	return ""
}

// serialDate rejects zero-padded values: 02012006 is a compact DDMMYYYY
// date, not a serial.
func serialDate(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 1 && s[0] == '0' {
		return ""
	}
	days, err := strconv.Atoi(s)
	if err != nil || days < 1 || days > maxSerialDay {
		return ""
	}
	return serialEpoch.AddDate(0, 0, days).Format(time.DateOnly)
}

// civilDate rejects out-of-range components instead of letting time.Date
// roll them over.
func civilDate(year, month, day int) string {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return ""
	}
	return t.Format(time.DateOnly)
}

const phoneDigits = 8

// NormalizePhone keeps digits only, drops a leading 00225 or 225 country
// code, left-pads short numbers to eight digits and truncates long ones.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "00225"):
		digits = digits[5:]
	case strings.HasPrefix(digits, "225"):
		digits = digits[3:]
	}

	switch {
	case digits == "":
		return ""
	case len(digits) < phoneDigits:
		return strings.Repeat("0", phoneDigits-len(digits)) + digits
	case len(digits) > phoneDigits:
		return digits[:phoneDigits]
	}
	return digits
}

// Normalize maps a raw row onto the canonical record. A row missing a
// required field returns a *RowError carrying the row's line number.
func Normalize(raw RawRow, m HeaderMapping) (Record, error) {
	rec := Record{
		EnrollmentSite:    m.value(raw.Fields, FieldEnrollmentSite),
		WithdrawalSite:    m.value(raw.Fields, FieldWithdrawalSite),
		StorageLocation:   m.value(raw.Fields, FieldStorageLocation),
		LastName:          m.value(raw.Fields, FieldLastName),
		FirstNames:        m.value(raw.Fields, FieldFirstNames),
		BirthDate:         NormalizeDate(m.value(raw.Fields, FieldBirthDate)),
		BirthPlace:        m.value(raw.Fields, FieldBirthPlace),
		Contact:           NormalizePhone(m.value(raw.Fields, FieldContact)),
		DeliveryStatus:    m.value(raw.Fields, FieldDeliveryStatus),
		WithdrawalContact: NormalizePhone(m.value(raw.Fields, FieldWithdrawalContact)),
		DeliveryDate:      NormalizeDate(m.value(raw.Fields, FieldDeliveryDate)),
	}

	if err := rec.Validate(); err != nil {
		if rowErr, ok := err.(*RowError); ok {
			rowErr.Line = raw.Line
		}
		return Record{}, err
	}
	return rec, nil
}
