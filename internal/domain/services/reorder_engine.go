package services

import (
	"errors"
	"fmt"
	"math"

	"github.com/username/chatstate/internal/domain/entities"
)

var (
	// ErrSelfDrop is returned when an item is dropped onto itself
	ErrSelfDrop = errors.New("item dropped onto itself")

	// ErrNoOp is returned when a drop leaves the item where it already is
	ErrNoOp = errors.New("drop does not change the order")

	// ErrInvalidDrop is returned for drops the model cannot express,
	// such as a folder dropped into another folder
	ErrInvalidDrop = errors.New("invalid drop target")
)

// Autoscroll tuning, in pixels
const (
	AutoScrollMargin   = 36.0
	AutoScrollMaxSpeed = 16.0
)

// DragKind identifies what is being dragged
type DragKind string

const (
	DragConversation DragKind = "conversation"
	DragFolder       DragKind = "folder"
)

// DragSource is the item under the pointer when the drag started
type DragSource struct {
	Kind DragKind `json:"kind"`
	ID   string   `json:"id"`
}

// DropKind identifies where a drag ended
type DropKind string

const (
	// DropRootItem is a root conversation; ConversationID names it
	DropRootItem DropKind = "root_item"
	// DropRootEnd is the empty area below the root list
	DropRootEnd DropKind = "root_end"
	// DropFolderHeader is a folder's header row; FolderID names it
	DropFolderHeader DropKind = "folder_header"
	// DropFolderItem is a conversation inside a folder
	DropFolderItem DropKind = "folder_item"
	// DropFolderSlot is a folder row while another folder is dragged
	DropFolderSlot DropKind = "folder_slot"
)

// DropTarget describes the element a drag was released over
type DropTarget struct {
	Kind           DropKind `json:"kind"`
	FolderID       string   `json:"folder_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// Convenience constructors for drop targets
func RootItem(conversationID string) DropTarget {
	return DropTarget{Kind: DropRootItem, ConversationID: conversationID}
}

func RootEnd() DropTarget { return DropTarget{Kind: DropRootEnd} }

func FolderHeader(folderID string) DropTarget {
	return DropTarget{Kind: DropFolderHeader, FolderID: folderID}
}

func FolderItem(folderID, conversationID string) DropTarget {
	return DropTarget{Kind: DropFolderItem, FolderID: folderID, ConversationID: conversationID}
}

func FolderSlot(folderID string) DropTarget {
	return DropTarget{Kind: DropFolderSlot, FolderID: folderID}
}

// Instruction tells the store how to apply a drop.
// For a conversation, Position indexes the destination list (root when
// FolderID is empty) with the moved conversation already removed from it.
// For a folder, Position indexes the folder list the same way.
type Instruction struct {
	Kind     DragKind `json:"kind"`
	ID       string   `json:"id"`
	FolderID string   `json:"folder_id,omitempty"`
	Position int      `json:"position"`
}

// ComputeReorder resolves a drop into an Instruction without touching the
// snapshot. pointer is the drop position as a fraction of the target's
// height; the upper half inserts before the target, the rest after it.
func ComputeReorder(snapshot entities.Snapshot, source DragSource, target DropTarget, pointer float64) (Instruction, error) {
	switch source.Kind {
	case DragConversation:
		return computeConversationDrop(snapshot, source.ID, target, pointer)
	case DragFolder:
		return computeFolderDrop(snapshot, source.ID, target, pointer)
	default:
		return Instruction{}, fmt.Errorf("%w: unknown drag source %q", ErrInvalidDrop, source.Kind)
	}
}

func computeConversationDrop(s entities.Snapshot, id string, target DropTarget, pointer float64) (Instruction, error) {
	conv, ok := s.Conversation(id)
	if !ok {
		return Instruction{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	var list string
	var position int

	switch target.Kind {
	case DropRootItem, DropFolderItem:
		if target.ConversationID == id {
			return Instruction{}, ErrSelfDrop
		}
		anchor, ok := s.Conversation(target.ConversationID)
		if !ok {
			return Instruction{}, fmt.Errorf("conversation %s: %w", target.ConversationID, ErrNotFound)
		}
		if target.Kind == DropFolderItem {
			if s.FolderIndex(target.FolderID) < 0 {
				return Instruction{}, fmt.Errorf("folder %s: %w", target.FolderID, ErrNotFound)
			}
			if anchor.FolderID != target.FolderID {
				return Instruction{}, fmt.Errorf("%w: conversation %s is not in folder %s", ErrInvalidDrop, anchor.ID, target.FolderID)
			}
		} else if !anchor.IsAtRoot() {
			return Instruction{}, fmt.Errorf("%w: conversation %s is not at root", ErrInvalidDrop, anchor.ID)
		}

		list = anchor.FolderID
		others := without(s.ListIDs(list), id)
		position = indexOf(others, anchor.ID)
		if !before(pointer) {
			position++
		}

	case DropRootEnd:
		list = ""
		position = len(without(s.ListIDs(list), id))

	case DropFolderHeader:
		if s.FolderIndex(target.FolderID) < 0 {
			return Instruction{}, fmt.Errorf("folder %s: %w", target.FolderID, ErrNotFound)
		}
		list = target.FolderID
		position = len(without(s.ListIDs(list), id))

	case DropFolderSlot:
		return Instruction{}, fmt.Errorf("%w: conversations cannot be dropped between folders", ErrInvalidDrop)

	default:
		return Instruction{}, fmt.Errorf("%w: unknown drop target %q", ErrInvalidDrop, target.Kind)
	}

	if conv.FolderID == list && indexOf(s.ListIDs(list), id) == position {
		return Instruction{}, ErrNoOp
	}

	return Instruction{Kind: DragConversation, ID: id, FolderID: list, Position: position}, nil
}

func computeFolderDrop(s entities.Snapshot, id string, target DropTarget, pointer float64) (Instruction, error) {
	current := s.FolderIndex(id)
	if current < 0 {
		return Instruction{}, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}

	switch target.Kind {
	case DropFolderSlot, DropFolderHeader:
	default:
		return Instruction{}, fmt.Errorf("%w: folders can only be dropped onto folders", ErrInvalidDrop)
	}

	if target.FolderID == id {
		return Instruction{}, ErrSelfDrop
	}
	if s.FolderIndex(target.FolderID) < 0 {
		return Instruction{}, fmt.Errorf("folder %s: %w", target.FolderID, ErrNotFound)
	}
	if target.Kind == DropFolderHeader {
		// Folders do not nest
		return Instruction{}, fmt.Errorf("%w: folders do not nest", ErrInvalidDrop)
	}

	ids := make([]string, 0, len(s.Folders))
	for _, f := range s.Folders {
		if f.ID != id {
			ids = append(ids, f.ID)
		}
	}
	position := indexOf(ids, target.FolderID)
	if !before(pointer) {
		position++
	}
	if position == current {
		return Instruction{}, ErrNoOp
	}

	return Instruction{Kind: DragFolder, ID: id, Position: position}, nil
}

// ApplyInstruction returns a new snapshot with the instruction applied.
// The input snapshot is not modified.
func ApplyInstruction(s entities.Snapshot, in Instruction) (entities.Snapshot, error) {
	next := s.Clone()

	switch in.Kind {
	case DragFolder:
		from := next.FolderIndex(in.ID)
		if from < 0 {
			return s, fmt.Errorf("folder %s: %w", in.ID, ErrNotFound)
		}
		folder := next.Folders[from]
		rest := append(next.Folders[:from:from], next.Folders[from+1:]...)
		pos := clamp(in.Position, 0, len(rest))
		folders := make([]entities.Folder, 0, len(next.Folders))
		folders = append(folders, rest[:pos]...)
		folders = append(folders, folder)
		folders = append(folders, rest[pos:]...)
		next.Folders = folders
		return next, nil

	case DragConversation:
		from := next.ConversationIndex(in.ID)
		if from < 0 {
			return s, fmt.Errorf("conversation %s: %w", in.ID, ErrNotFound)
		}
		if in.FolderID != "" && next.FolderIndex(in.FolderID) < 0 {
			return s, fmt.Errorf("folder %s: %w", in.FolderID, ErrNotFound)
		}

		conv := next.Conversations[from]
		if conv.FolderID != in.FolderID {
			conv.MoveTo(in.FolderID)
		}
		rest := append(next.Conversations[:from:from], next.Conversations[from+1:]...)

		// Map the list position onto the global order
		var members []int
		for i := range rest {
			if rest[i].FolderID == in.FolderID {
				members = append(members, i)
			}
		}
		var at int
		switch {
		case in.Position < 0:
			return s, fmt.Errorf("%w: negative position", ErrInvalidDrop)
		case in.Position < len(members):
			at = members[in.Position]
		case len(members) > 0:
			at = members[len(members)-1] + 1
		default:
			at = len(rest)
		}

		convs := make([]entities.Conversation, 0, len(next.Conversations))
		convs = append(convs, rest[:at]...)
		convs = append(convs, conv)
		convs = append(convs, rest[at:]...)
		next.Conversations = convs
		return next, nil

	default:
		return s, fmt.Errorf("%w: unknown instruction %q", ErrInvalidDrop, in.Kind)
	}
}

// AutoScrollDelta returns how far to scroll a list spanning [top, bottom]
// while the pointer is at pointerY. Negative scrolls up. The nudge grows
// with proximity to the edge and is capped at AutoScrollMaxSpeed.
func AutoScrollDelta(top, bottom, pointerY float64) float64 {
	step := AutoScrollMargin / AutoScrollMaxSpeed
	switch {
	case pointerY < top+AutoScrollMargin:
		return -math.Min(AutoScrollMaxSpeed, (top+AutoScrollMargin-pointerY)/step)
	case pointerY > bottom-AutoScrollMargin:
		return math.Min(AutoScrollMaxSpeed, (pointerY-(bottom-AutoScrollMargin))/step)
	default:
		return 0
	}
}

func before(pointer float64) bool {
	return pointer < 0.5
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
