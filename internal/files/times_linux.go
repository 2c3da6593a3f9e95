package files

import (
	"io/fs"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func fileTimes(info fs.FileInfo) (atime, mtime, ctime time.Time) {
	mtime = info.ModTime()
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime, mtime, mtime
	}
	return time.Unix(st.Atim.Unix()), mtime, time.Unix(st.Ctim.Unix())
}

func timespec(t *time.Time) unix.Timespec {
	if t == nil {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

// setTimes applies atime and mtime without following symlinks
func setTimes(path string, atime, mtime *time.Time) error {
	if atime == nil && mtime == nil {
		return nil
	}
	ts := []unix.Timespec{timespec(atime), timespec(mtime)}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}
