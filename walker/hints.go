package walker

import (
	"github.com/lvdlvd/imgwalk/mount"
)

// KeyDirectory is a location that usually holds evidence.
type KeyDirectory struct {
	Platform    string
	Path        string // relative to the volume root
	Description string
	Value       string // Critical, High, Medium or Low
}

// KeyDirectories lists well-known evidence locations. Android paths are
// given relative to the userdata partition, which mounts at /data.
var KeyDirectories = []KeyDirectory{
	{"Android", "data/com.android.providers.telephony/databases", "SMS and call logs", "Critical"},
	{"Android", "data/com.whatsapp/databases", "WhatsApp chat databases", "High"},
	{"Android", "data/com.android.providers.contacts/databases", "Contacts database", "High"},
	{"Android", "system/users/0", "User account information", "High"},
	{"Android", "data/com.android.chrome/app_chrome/Default", "Chrome browser history and cache", "Medium"},
	{"Android", "media/0/DCIM", "Camera photos and videos", "Medium"},
	{"Android", "build.prop", "System build properties", "Low"},
	{"iOS", "mobile/Library/SMS", "iMessage and SMS database", "Critical"},
	{"iOS", "mobile/Library/CallHistoryDB", "Call history", "High"},
	{"iOS", "mobile/Library/AddressBook", "Contacts database", "High"},
	{"iOS", "mobile/Media/DCIM", "Camera roll", "Medium"},
	{"macOS", "Users", "User home folders", "High"},
	{"macOS", "private/var/log", "System logs", "Medium"},
	{"Windows", "Windows/System32/config", "Registry hives", "Critical"},
	{"Windows", "Users", "User profiles", "High"},
	{"Windows", "$Recycle.Bin", "Recycle bin", "Medium"},
	{"Linux", "home", "User home directories", "High"},
	{"Linux", "var/log", "System logs", "Medium"},
	{"Linux", "etc", "System configuration", "Low"},
	{"Removable", "DCIM", "Camera photos and videos", "Medium"},
}

// Hint is a key directory found on a mount.
type Hint struct {
	KeyDirectory
	Entries int // directory entries, or 1 for a file
}

// Hints reports which key directories exist on m, in KeyDirectories order.
func Hints(m *mount.Mount) []Hint {
	var out []Hint
	for _, k := range KeyDirectories {
		info, err := m.Stat(k.Path)
		if err != nil {
			continue
		}
		h := Hint{KeyDirectory: k, Entries: 1}
		if info.IsDir() {
			dir, err := m.OpenDirectory(k.Path)
			if err != nil {
				continue
			}
			entries, err := List(dir)
			if err != nil {
				continue
			}
			h.Entries = len(entries)
		}
		out = append(out, h)
	}
	return out
}
