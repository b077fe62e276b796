package bump

import (
	"github.com/dolthub/swiss"
	"github.com/quallocator/arsenal/internal/utils"
	"github.com/quallocator/arsenal/memutils"
	"github.com/quallocator/arsenal/memutils/osmem"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = memutils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the allocator will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time or is synchronized by some
	// other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateDisableCoalescing prevents adjacent free blocks from being merged when a search finds a
	// free block that is too small. Free blocks are then only reused by requests they can hold as-is.
	CreateDisableCoalescing
	// CreateReleaseTrailingFree keeps lowering the break after the tail block is returned, for as long
	// as the new tail block is free. By default only the block being freed is returned.
	CreateReleaseTrailingFree
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateDisableCoalescing.Register("CreateDisableCoalescing")
	CreateReleaseTrailingFree.Register("CreateReleaseTrailingFree")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Break is the boundary the arena grows and shrinks through. When nil, the allocator reserves its
	// own with osmem.NewSystemBreak and releases it in Destroy.
	Break osmem.Break
	// Reservation is the address space reserved for the allocator's own break. It is ignored when
	// Break is provided. 0 selects osmem.DefaultReservation.
	Reservation int
}

// New creates a new Allocator. The arena is empty until the first allocation.
//
// logger - Receives debug records when the arena moves and error records when memory could not be
// returned to the operating system. A nil logger discards them.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	allocator := &Allocator{
		logger: utils.LoggerOrDiscard(logger),
		flags:  options.Flags,
		brk:    options.Break,
		live:   swiss.NewMap[uintptr, liveBlock](42),
	}
	allocator.mutex.Init(options.Flags&CreateExternallySynchronized == 0)
	allocator.anchor.Reset()

	if allocator.brk == nil {
		brk, err := osmem.NewSystemBreak(options.Reservation)
		if err != nil {
			return nil, err
		}

		allocator.brk = brk
		if releaser, ok := brk.(interface{ Release() error }); ok {
			allocator.release = releaser.Release
		}
	}

	return allocator, nil
}
