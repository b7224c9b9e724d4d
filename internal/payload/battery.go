package payload

// Alias keys in precedence order. The order reflects what different
// firmware builds send and must not be rearranged.
var (
	millivoltKeys = []string{"battery_mv", "bat_mv", "vbat_mv", "vbat", "vbatt"}
	percentKeys   = []string{"battery_percent", "battery", "bat_percent", "soc", "charge"}
)

// ParseBattery extracts battery millivolts and percentage from a device
// payload. Either result may be nil.
//
// "level" is read first and classified by range: above 1000 is millivolts,
// 0..100 is a percentage. The explicit millivolt aliases then override with
// the first value above 1000, and the percentage aliases override with the
// first value in 0..1 (scaled to percent) or 0..100.
func ParseBattery(m Map) (mv *int64, pct *float64) {
	if level, ok := Float(m, "level"); ok {
		switch {
		case level > 1000:
			v := int64(level)
			mv = &v
		case level >= 0 && level <= 100:
			v := level
			pct = &v
		}
	}

	for _, key := range millivoltKeys {
		v, ok := Int(m, key)
		if ok && v > 1000 {
			mv = &v
			break
		}
	}

	for _, key := range percentKeys {
		v, ok := Float(m, key)
		if !ok {
			continue
		}
		if v >= 0 && v <= 1 {
			scaled := v * 100
			pct = &scaled
			break
		}
		if v >= 0 && v <= 100 {
			pct = &v
			break
		}
	}
	return mv, pct
}
