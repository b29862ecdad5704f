package arib

// Terrestrial network ids encode a region per ARIB TR-B14:
//
//	network_id = 0x7FF0 - 0x0010*region_id + broadcaster_id
//
// with broadcaster_id in 0..15. RegionFromNID reverses the formula and maps
// the region id through a fixed prefecture table. Wide-area networks
// (Kanto, Kinki, Chukyo, ...) alias to their anchor prefecture.

// regionNames maps ARIB region ids (1-62) to prefecture names. Ids 1-6 are
// the wide-area networks.
var regionNames = map[int]string{
	1: "東京", 2: "大阪", 3: "愛知", 4: "北海道", 5: "岡山", 6: "島根",

	10: "北海道", 11: "北海道", 12: "北海道", 13: "北海道",
	14: "北海道", 15: "北海道", 16: "北海道",

	17: "宮城", 18: "秋田", 19: "山形", 20: "岩手", 21: "福島", 22: "青森",

	23: "東京", 24: "神奈川", 25: "群馬", 26: "茨城", 27: "千葉", 28: "栃木", 29: "埼玉",

	30: "長野", 31: "新潟", 32: "山梨",

	33: "愛知", 34: "石川", 35: "静岡", 36: "福井", 37: "富山", 38: "三重", 39: "岐阜",

	40: "大阪", 41: "京都", 42: "兵庫", 43: "和歌山", 44: "奈良", 45: "滋賀",

	46: "広島", 47: "岡山", 48: "島根", 49: "鳥取", 50: "山口",

	51: "愛媛", 52: "香川", 53: "徳島", 54: "高知",

	55: "福岡", 56: "熊本", 57: "長崎", 58: "鹿児島", 59: "宮崎", 60: "大分", 61: "佐賀", 62: "沖縄",
}

// RegionFromNID derives the terrestrial region name for a network id.
// The second return is false for every nid outside the terrestrial band,
// and true for every nid inside it.
func RegionFromNID(nid uint16) (string, bool) {
	if BandFromNID(nid) != BandTerrestrial {
		return "", false
	}
	id := (0x7FF0 - int(nid) + 0x000F) / 0x0010
	if id < 1 {
		// Above the formula's anchor; these ids belong to the Kanto
		// wide-area network.
		id = 1
	}
	name, ok := regionNames[id]
	if !ok {
		name = regionNames[1]
	}
	return name, true
}

// RegionIDFromNID returns the raw ARIB region id for a terrestrial nid.
func RegionIDFromNID(nid uint16) (int, bool) {
	if BandFromNID(nid) != BandTerrestrial {
		return 0, false
	}
	id := (0x7FF0 - int(nid) + 0x000F) / 0x0010
	if id < 1 {
		id = 1
	}
	return id, true
}
